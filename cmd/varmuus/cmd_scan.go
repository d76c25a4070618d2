package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/varmuus/internal/config"
	"github.com/yairfalse/varmuus/internal/emitter"
	"github.com/yairfalse/varmuus/internal/filter"
	"github.com/yairfalse/varmuus/internal/plugin"
	"github.com/yairfalse/varmuus/internal/plugin/aws"
	"github.com/yairfalse/varmuus/internal/scanner"
	"github.com/yairfalse/varmuus/internal/telemetry"
	"github.com/yairfalse/varmuus/pkg/report"
)

// session is what a scan needs from an authenticated cloud session.
type session interface {
	scanner.Directory
	AccountID() string
	Sources() []plugin.Source
}

// openSession is replaced in tests.
var openSession = func(ctx context.Context, cfg aws.Config) (session, error) {
	return aws.Open(ctx, cfg)
}

// signalActor stops the scan on SIGINT or SIGTERM. Replaced in tests.
var signalActor = func(ctx context.Context) (func() error, func(error)) {
	return run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM)
}

type scanOptions struct {
	services       []string
	regions        []string
	excludeRegions []string
	profile        string
	output         string
	format         string
	concurrency    int
	timeout        time.Duration
	history        string
	metricsFile    string
}

func newScanCmd(root *rootOptions) *cobra.Command {
	opts := &scanOptions{}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the account and write a report",
		Long: `Scan every enabled region of the account for backup coverage,
bucket versioning, world-open security group rules and IAM
administrator access, then write the report.

Exit codes: 0 when every unit succeeded or the service was not
enabled, 2 when some unit could not be scanned (the report is still
written), 1 on configuration, credential or write errors.`,
		Example: `  varmuus scan                                  # All services, all enabled regions
  varmuus scan --regions us-east-1,eu-west-1    # Specific regions
  varmuus scan --services ec2,rds               # Only instances and databases
  varmuus scan --output - --format yaml         # YAML to stdout
  varmuus scan --history varmuus.db             # Keep report history`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if err := setupLogging(cfg.Log.Level, root.debug); err != nil {
				return err
			}
			return runScan(cmd.Context(), cmd, cfg)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&opts.services, "services", nil, "Services to scan (ec2,rds,s3,security_groups,iam)")
	f.StringSliceVar(&opts.regions, "regions", nil, "Regions to scan (default: every enabled region)")
	f.StringSliceVar(&opts.excludeRegions, "exclude-regions", nil, "Regions to skip")
	f.StringVar(&opts.profile, "profile", "", "AWS shared config profile")
	f.StringVarP(&opts.output, "output", "o", config.DefaultReport, "Report path, - for stdout")
	f.StringVarP(&opts.format, "format", "f", "json", "Report format: json, yaml")
	f.IntVar(&opts.concurrency, "concurrency", 8, "Units scanned in parallel (1-16)")
	f.DurationVar(&opts.timeout, "timeout", 0, "Abort the scan after this long (0 = no limit)")
	f.StringVar(&opts.history, "history", "", "History database path (empty = off)")
	f.StringVar(&opts.metricsFile, "metrics-file", "", "Prometheus textfile path (empty = off)")

	return cmd
}

// apply overrides config file values with the flags that were set.
func (o *scanOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("services") {
		cfg.AWS.Services = o.services
	}
	if f.Changed("regions") {
		cfg.AWS.Regions = o.regions
	}
	if f.Changed("exclude-regions") {
		cfg.AWS.ExcludeRegions = o.excludeRegions
	}
	if f.Changed("profile") {
		cfg.AWS.Profile = o.profile
	}
	if f.Changed("output") {
		cfg.Output.Path = o.output
	}
	if f.Changed("format") {
		cfg.Output.Format = o.format
	}
	if f.Changed("concurrency") {
		cfg.Scanner.Concurrency = o.concurrency
	}
	if f.Changed("timeout") {
		cfg.Scanner.RunTimeout = o.timeout
	}
	if f.Changed("history") {
		cfg.Output.History = o.history
	}
	if f.Changed("metrics-file") {
		cfg.Output.MetricsFile = o.metricsFile
	}
}

// buildEmitters creates the report writers selected by cfg.
func buildEmitters(cmd *cobra.Command, cfg *config.Config) (*emitter.MultiEmitter, error) {
	var emitters []emitter.Emitter
	closeAll := func() {
		_ = emitter.NewMultiEmitter(emitters...).Close()
	}

	var (
		out *emitter.FileEmitter
		err error
	)
	if cfg.Output.Path == config.Stdout {
		out, err = emitter.NewWriterEmitter(cmd.OutOrStdout(), cfg.Output.Format)
	} else {
		out, err = emitter.NewFileEmitter(cfg.Output.Path, cfg.Output.Format)
	}
	if err != nil {
		return nil, err
	}
	emitters = append(emitters, out)

	if cfg.Output.History != "" {
		h, err := emitter.NewHistoryEmitter(cfg.Output.History)
		if err != nil {
			closeAll()
			return nil, err
		}
		emitters = append(emitters, h)
	}

	if cfg.Output.MetricsFile != "" {
		p, err := emitter.NewPrometheusEmitter(cfg.Output.MetricsFile)
		if err != nil {
			closeAll()
			return nil, err
		}
		emitters = append(emitters, p)
	}

	return emitter.NewMultiEmitter(emitters...), nil
}

func runScan(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	sess, err := openSession(ctx, aws.Config{Profile: cfg.AWS.Profile, Region: cfg.AWS.Region})
	if err != nil {
		return fmt.Errorf("open aws session: %w", err)
	}

	plugin.Clear()
	for _, src := range sess.Sources() {
		plugin.Register(src)
	}
	for _, name := range cfg.AWS.Services {
		if _, ok := plugin.Get(name); !ok {
			return fmt.Errorf("unknown service %q (known: %v)", name, plugin.Names())
		}
	}

	provider, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	emit, err := buildEmitters(cmd, cfg)
	if err != nil {
		return fmt.Errorf("create report writers: %w", err)
	}
	defer func() {
		if err := emit.Close(); err != nil {
			log.Warn().Err(err).Msg("close report writers")
		}
	}()

	coord := scanner.New(scanner.Config{
		AccountID:      sess.AccountID(),
		Regions:        cfg.AWS.Regions,
		Filter:         filter.New(cfg.AWS.Services, cfg.AWS.Regions, cfg.AWS.ExcludeRegions),
		Concurrency:    cfg.Scanner.Concurrency,
		MaxAttempts:    cfg.Scanner.MaxAttempts,
		InitialBackoff: cfg.Scanner.InitialBackoff,
		MaxBackoff:     cfg.Scanner.MaxBackoff,
		PageTimeout:    cfg.Scanner.PageTimeout,
		RateLimit:      cfg.Scanner.RateLimit,
		RateBurst:      cfg.Scanner.RateBurst,
	}, sess, plugin.All(), scanner.WithRecorder(provider))

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.Scanner.RunTimeout > 0 {
		scanCtx, cancel = context.WithTimeout(scanCtx, cfg.Scanner.RunTimeout)
		defer cancel()
	}

	var (
		result  *report.Report
		scanErr error
	)
	var g run.Group
	g.Add(func() error {
		result, scanErr = scanAndEmit(scanCtx, coord, emit)
		return scanErr
	}, func(error) {
		cancel()
	})
	g.Add(signalActor(ctx))

	// A signal ends the group first, but the scan actor has still run to
	// completion by the time Run returns; its error decides the outcome.
	err = g.Run()
	if scanErr != nil {
		return scanErr
	}
	var sigErr run.SignalError
	switch {
	case errors.As(err, &sigErr):
		log.Warn().Str("signal", sigErr.Signal.String()).Msg("scan interrupted")
	case err != nil:
		return err
	}

	if result == nil {
		return errors.New("scan produced no report")
	}
	if result.Partial() {
		log.Warn().
			Int("failed_units", len(result.FailedUnits)).
			Msg("some units could not be scanned, report is partial")
		return &codeError{code: exitPartial}
	}
	return nil
}

// scanAndEmit runs the scan and hands the report to the writers. Writers
// run to completion even when the scan was interrupted.
func scanAndEmit(ctx context.Context, coord *scanner.Coordinator, emit emitter.Emitter) (*report.Report, error) {
	r, err := coord.Run(ctx)
	if err != nil {
		return nil, err
	}
	if err := emit.Emit(context.WithoutCancel(ctx), r); err != nil {
		return r, fmt.Errorf("write report: %w", err)
	}
	return r, nil
}
