package retry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/warcscan/internal/scan"
)

func TestTrackerRecordUpserts(t *testing.T) {
	tracker := NewTracker(t.TempDir(), zap.NewNop())

	tracker.Record("seg-a", scan.ReasonConnection, "connection reset", 1)
	first := tracker.Records()[0]
	tracker.Record("seg-a", scan.ReasonTimeout, "deadline exceeded", 2)
	tracker.Record("seg-a", scan.ReasonTimeout, "deadline exceeded again", 3)

	require.Equal(t, 1, tracker.Len())
	rec := tracker.Records()[0]
	assert.Equal(t, "seg-a", rec.WorkItemRef)
	assert.Equal(t, scan.ReasonTimeout, rec.FailureReason, "reason follows the latest attempt")
	assert.Equal(t, 3, rec.FailureCount)
	assert.Equal(t, "deadline exceeded again", rec.ErrorMessage)
	assert.Equal(t, first.FirstFailedAt, rec.FirstFailedAt, "first failure time is pinned")
	assert.False(t, rec.LastAttemptAt.Before(rec.FirstFailedAt))
}

func TestTrackerDiscard(t *testing.T) {
	tracker := NewTracker(t.TempDir(), zap.NewNop())

	tracker.Record("seg-a", scan.ReasonConnection, "reset", 1)
	tracker.Record("seg-b", scan.ReasonTimeout, "timeout", 1)
	tracker.Discard("seg-a")
	tracker.Discard("never-recorded")

	require.Equal(t, 1, tracker.Len())
	assert.Equal(t, "seg-b", tracker.Records()[0].WorkItemRef)
}

func TestTrackerByReason(t *testing.T) {
	tracker := NewTracker(t.TempDir(), zap.NewNop())

	tracker.Record("seg-a", scan.ReasonTimeout, "t", 5)
	tracker.Record("seg-b", scan.ReasonTimeout, "t", 5)
	tracker.Record("seg-c", scan.ReasonHTTP, "404", 1)

	byReason := tracker.ByReason()
	assert.Equal(t, 2, byReason[scan.ReasonTimeout])
	assert.Equal(t, 1, byReason[scan.ReasonHTTP])
}

func TestSaveWritesLedgerAndRefList(t *testing.T) {
	dir := t.TempDir()
	tracker := NewTracker(dir, zap.NewNop())
	tracker.Record("seg-a", scan.ReasonTimeout, "deadline exceeded", 5)
	tracker.Record("seg-b", scan.ReasonConnection, "connection refused", 5)

	jsonPath, txtPath, err := tracker.Save()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "failed_segments_"+tracker.SessionID()+".json"), jsonPath)
	assert.Equal(t, filepath.Join(dir, "failed_segments_"+tracker.SessionID()+".txt"), txtPath)

	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)

	var ledger Ledger
	require.NoError(t, json.Unmarshal(data, &ledger))
	assert.Equal(t, tracker.SessionID(), ledger.SessionID)
	assert.Equal(t, 2, ledger.TotalFailures)
	assert.WithinDuration(t, time.Now(), ledger.GeneratedAt, time.Minute)
	require.Len(t, ledger.Failures, 2)
	assert.Equal(t, "seg-a", ledger.Failures[0].WorkItemRef)
	assert.Equal(t, "seg-b", ledger.Failures[1].WorkItemRef)

	// Wire format matters to downstream tooling, so pin the field names.
	var raw struct {
		Failures []map[string]json.RawMessage `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{
		"work_item_ref", "failure_reason", "failure_count",
		"first_failed_at", "last_attempt_at", "error_message",
	} {
		assert.Contains(t, raw.Failures[0], key)
	}

	txt, err := os.ReadFile(txtPath)
	require.NoError(t, err)
	assert.Equal(t, "seg-a\nseg-b\n", string(txt))
}

func TestSaveNothingTracked(t *testing.T) {
	dir := t.TempDir()
	tracker := NewTracker(dir, zap.NewNop())

	jsonPath, txtPath, err := tracker.Save()
	require.NoError(t, err)
	assert.Empty(t, jsonPath)
	assert.Empty(t, txtPath)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "an empty session writes no ledger files")
}

func TestLoadRefsFromJSON(t *testing.T) {
	tracker := NewTracker(t.TempDir(), zap.NewNop())
	tracker.Record("seg-a", scan.ReasonTimeout, "t", 5)
	tracker.Record("seg-b", scan.ReasonParse, "bad stream", 1)

	jsonPath, _, err := tracker.Save()
	require.NoError(t, err)

	refs, err := LoadRefs(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"seg-a", "seg-b"}, refs)
}

func TestLoadRefsFromText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.txt")
	require.NoError(t, os.WriteFile(path, []byte("seg-a\n\n  seg-b  \nseg-c\n"), 0o644))

	refs, err := LoadRefs(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"seg-a", "seg-b", "seg-c"}, refs)
}

func TestLoadRefsRejectsUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.csv")
	require.NoError(t, os.WriteFile(path, []byte("seg-a\n"), 0o644))

	_, err := LoadRefs(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported ledger format")
}

func TestLoadRefsMissingFile(t *testing.T) {
	_, err := LoadRefs(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}
