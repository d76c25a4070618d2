package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/varmuus/pkg/report"
	"github.com/yairfalse/varmuus/pkg/resource"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testReport(runID string, at time.Time, findings int) *report.Report {
	r := &report.Report{
		GeneratedAt:    at,
		RunID:          runID,
		AccountID:      "123456789012",
		RegionsScanned: []string{"us-east-1"},
		Summary:        report.Counters{report.TotalInstances: 1},
		BackupMonitoring: []resource.Status{
			{ResourceID: "i-1", Kind: resource.KindInstance, Service: "ec2", Region: "us-east-1"},
		},
		Status: report.StatusSuccess,
	}
	for i := 0; i < findings; i++ {
		r.Findings = append(r.Findings, resource.Finding{ResourceID: "i-1", Rule: "BACKUP_DISABLED"})
	}
	return r
}

func TestStore_SaveAndGet(t *testing.T) {
	s := openTestStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(testReport("run-1", at, 2)))

	got, err := s.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.True(t, at.Equal(got.GeneratedAt))
	assert.Len(t, got.Findings, 2)
	assert.Equal(t, 1, got.Summary[report.TotalInstances])
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_SaveRequiresRunID(t *testing.T) {
	s := openTestStore(t)
	require.Error(t, s.Save(testReport("", time.Now(), 0)))
}

func TestStore_ListNewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Sub-second offsets that would mis-sort with trimmed RFC 3339 fractions.
	require.NoError(t, s.Save(testReport("a", base.Add(100*time.Millisecond), 0)))
	require.NoError(t, s.Save(testReport("b", base.Add(120*time.Millisecond), 1)))
	require.NoError(t, s.Save(testReport("c", base.Add(time.Hour), 3)))

	entries, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].RunID)
	assert.Equal(t, "b", entries[1].RunID)
	assert.Equal(t, "a", entries[2].RunID)

	assert.Equal(t, 3, entries[0].Findings)
	assert.Equal(t, 1, entries[0].Resources)
	assert.Equal(t, 1, entries[0].Regions)
	assert.Equal(t, report.StatusSuccess, entries[0].Status)

	limited, err := s.List(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStore_LatestAndPrevious(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Latest()
	assert.True(t, errors.Is(err, ErrNotFound))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(testReport("old", base, 0)))
	require.NoError(t, s.Save(testReport("new", base.Add(time.Minute), 0)))

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, "new", latest.RunID)

	prev, err := s.Previous()
	require.NoError(t, err)
	assert.Equal(t, "old", prev.RunID)
}

func TestStore_SaveSameRunReplaces(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(testReport("run-1", base, 1)))
	require.NoError(t, s.Save(testReport("run-1", base.Add(time.Second), 4)))

	entries, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 4, entries[0].Findings)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(testReport("persisted", time.Now().UTC(), 0)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.RunID)
}
