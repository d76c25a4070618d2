// Package store keeps the history of finalized scan reports in a bbolt file.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/varmuus/pkg/report"
)

var (
	bucketReports = []byte("reports")
	bucketIndex   = []byte("index")
	bucketRuns    = []byte("runs")
)

// keyLayout is fixed width so that keys sort by generation time.
const keyLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned when no stored report matches.
var ErrNotFound = errors.New("report not found")

// Entry is the summary metadata kept for every stored report.
type Entry struct {
	RunID       string        `json:"run_id"`
	AccountID   string        `json:"account_id,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
	Status      report.Status `json:"status"`
	Regions     int           `json:"regions"`
	Resources   int           `json:"resources"`
	Findings    int           `json:"findings"`
	FailedUnits int           `json:"failed_units"`
}

// Store is a bbolt-backed report history.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketReports, bucketIndex, bucketRuns} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func reportKey(r *report.Report) []byte {
	return []byte(r.GeneratedAt.UTC().Format(keyLayout) + "/" + r.RunID)
}

func entryFor(r *report.Report) Entry {
	return Entry{
		RunID:       r.RunID,
		AccountID:   r.AccountID,
		GeneratedAt: r.GeneratedAt.UTC(),
		Status:      r.Status,
		Regions:     len(r.RegionsScanned),
		Resources:   len(r.BackupMonitoring),
		Findings:    len(r.Findings),
		FailedUnits: len(r.FailedUnits),
	}
}

// Save stores r. Saving a run id twice replaces the earlier report.
func (s *Store) Save(r *report.Report) error {
	if r.RunID == "" {
		return fmt.Errorf("save report: empty run id")
	}

	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	meta, err := json.Marshal(entryFor(r))
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	key := reportKey(r)
	return s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		if old := runs.Get([]byte(r.RunID)); old != nil {
			if err := tx.Bucket(bucketReports).Delete(old); err != nil {
				return err
			}
			if err := tx.Bucket(bucketIndex).Delete(old); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketReports).Put(key, body); err != nil {
			return err
		}
		if err := tx.Bucket(bucketIndex).Put(key, meta); err != nil {
			return err
		}
		return runs.Put([]byte(r.RunID), key)
	})
}

// List returns up to limit entries, newest first. A limit <= 0 returns all.
func (s *Store) List(limit int) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketIndex).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode entry %s: %w", k, err)
			}
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Get returns the report stored for runID.
func (s *Store) Get(runID string) (*report.Report, error) {
	var r *report.Report
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket(bucketRuns).Get([]byte(runID))
		if key == nil {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		var err error
		r, err = decode(tx.Bucket(bucketReports).Get(key))
		return err
	})
	return r, err
}

// Latest returns the most recently generated report.
func (s *Store) Latest() (*report.Report, error) {
	return s.nth(0)
}

// Previous returns the report generated before the latest one.
func (s *Store) Previous() (*report.Report, error) {
	return s.nth(1)
}

func (s *Store) nth(n int) (*report.Report, error) {
	var r *report.Report
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketReports).Cursor()
		i := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if i == n {
				var err error
				r, err = decode(v)
				return err
			}
			i++
		}
		return ErrNotFound
	})
	return r, err
}

func decode(v []byte) (*report.Report, error) {
	if v == nil {
		return nil, ErrNotFound
	}
	var r report.Report
	if err := json.Unmarshal(v, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}
