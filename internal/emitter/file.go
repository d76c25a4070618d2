package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/varmuus/pkg/report"
)

// Output formats understood by FileEmitter.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// FileEmitter writes the report as indented JSON or YAML, either to a file
// or to a writer such as stdout.
type FileEmitter struct {
	path   string
	format string
	w      io.Writer
}

// NewFileEmitter writes to path, replacing the file atomically.
func NewFileEmitter(path, format string) (*FileEmitter, error) {
	if err := checkFormat(format); err != nil {
		return nil, err
	}
	return &FileEmitter{path: path, format: format}, nil
}

// NewWriterEmitter writes to w.
func NewWriterEmitter(w io.Writer, format string) (*FileEmitter, error) {
	if err := checkFormat(format); err != nil {
		return nil, err
	}
	return &FileEmitter{w: w, format: format}, nil
}

func checkFormat(format string) error {
	switch format {
	case FormatJSON, FormatYAML:
		return nil
	}
	return fmt.Errorf("unknown report format %q", format)
}

// Encode renders r in the given format.
func Encode(r *report.Report, format string) ([]byte, error) {
	switch format {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encode yaml: %w", err)
		}
		return buf.Bytes(), nil
	case FormatJSON:
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		return append(data, '\n'), nil
	}
	return nil, fmt.Errorf("unknown report format %q", format)
}

// Emit writes the report.
func (e *FileEmitter) Emit(_ context.Context, r *report.Report) error {
	data, err := Encode(r, e.format)
	if err != nil {
		return err
	}

	if e.w != nil {
		if _, err := e.w.Write(data); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		return nil
	}

	if err := writeFileAtomic(e.path, data); err != nil {
		return fmt.Errorf("write report %s: %w", e.path, err)
	}

	log.Info().
		Str("path", e.path).
		Str("format", e.format).
		Int("bytes", len(data)).
		Msg("report written")
	return nil
}

// Close is a no-op for file emitter.
func (e *FileEmitter) Close() error {
	return nil
}

// writeFileAtomic writes through a temp file in the target directory so a
// reader never sees a half-written report.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
