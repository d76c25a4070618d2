// Package aws implements the AWS resource sources for varmuus.
package aws

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/varmuus/internal/plugin"
	"github.com/yairfalse/varmuus/internal/scanerr"
	"github.com/yairfalse/varmuus/pkg/resource"
)

// DefaultRegion is used when the profile has no region configured.
const DefaultRegion = "us-east-1"

// Config holds AWS session configuration.
type Config struct {
	Profile string
	Region  string
}

// Session is an authenticated AWS session. It verifies credentials, lists the
// enabled regions and hands out clients to the sources.
type Session struct {
	clients    ClientFactory
	homeRegion string
	accountID  string
}

// Open loads the SDK configuration and verifies the credentials.
// Any failure is Fatal: no unit could succeed without a session.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	opts := []func(*config.LoadOptions) error{
		// The scanner owns retrying.
		config.WithRetryMaxAttempts(1),
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, scanerr.New(scanerr.Fatal, "load aws config", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = DefaultRegion
	}

	s := NewSession(NewClientFactory(awsCfg), awsCfg.Region)
	if err := s.Verify(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSession creates a session over an existing client factory.
func NewSession(clients ClientFactory, homeRegion string) *Session {
	if homeRegion == "" {
		homeRegion = DefaultRegion
	}
	return &Session{clients: clients, homeRegion: homeRegion}
}

// Verify resolves the caller identity and records the account ID.
func (s *Session) Verify(ctx context.Context) error {
	out, err := s.clients.STS().GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return scanerr.New(scanerr.Fatal, "get caller identity", err)
	}
	s.accountID = aws.ToString(out.Account)
	log.Debug().Str("account", s.accountID).Str("arn", aws.ToString(out.Arn)).Msg("credentials verified")
	return nil
}

// AccountID returns the verified account ID.
func (s *Session) AccountID() string {
	return s.accountID
}

// Regions returns the regions enabled for the account, sorted.
func (s *Session) Regions(ctx context.Context) ([]string, error) {
	out, err := s.clients.EC2(s.homeRegion).DescribeRegions(ctx, &ec2.DescribeRegionsInput{
		// false excludes regions the account has not opted into.
		AllRegions: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("describe regions: %w", err)
	}

	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		if name := aws.ToString(r.RegionName); name != "" {
			regions = append(regions, name)
		}
	}
	sort.Strings(regions)
	return regions, nil
}

// Sources returns every AWS source bound to this session.
func (s *Session) Sources() []plugin.Source {
	return []plugin.Source{
		&InstanceSource{clients: s.clients},
		&DatabaseSource{clients: s.clients},
		&BucketSource{clients: s.clients, homeRegion: s.homeRegion},
		&SecurityGroupSource{clients: s.clients},
		&IdentitySource{clients: s.clients},
	}
}

// newRecord returns a record with the fields every kind shares.
func newRecord(kind resource.Kind, service, region, id string) resource.Record {
	return resource.Record{
		Kind:    kind,
		ID:      id,
		Region:  region,
		Service: service,
	}
}
