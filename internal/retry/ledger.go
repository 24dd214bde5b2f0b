// Package retry drives bounded attempt cycles for work items and keeps
// the ledger of items that failed for good.
package retry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/warcscan/internal/scan"
)

// FailureRecord describes one work item that exhausted its attempts.
type FailureRecord struct {
	WorkItemRef   string             `json:"work_item_ref"`
	FailureReason scan.FailureReason `json:"failure_reason"`
	FailureCount  int                `json:"failure_count"`
	FirstFailedAt time.Time          `json:"first_failed_at"`
	LastAttemptAt time.Time          `json:"last_attempt_at"`
	ErrorMessage  string             `json:"error_message"`
}

// Ledger is the persisted failure report for one session.
type Ledger struct {
	SessionID     string          `json:"session_id"`
	TotalFailures int             `json:"total_failures"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Failures      []FailureRecord `json:"failures"`
}

// Tracker accumulates failure records across workers. A record is
// updated on every failed attempt and dropped again if the item
// eventually succeeds, so only terminal failures reach the ledger.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*FailureRecord
	order   []string
	session string
	dir     string
	logger  *zap.Logger
}

// NewTracker builds a Tracker writing ledgers under dir.
func NewTracker(dir string, logger *zap.Logger) *Tracker {
	return &Tracker{
		records: make(map[string]*FailureRecord),
		session: time.Now().Format("20060102_150405"),
		dir:     dir,
		logger:  logger.Named("failures"),
	}
}

// SessionID returns the identifier baked into ledger filenames.
func (t *Tracker) SessionID() string {
	return t.session
}

// Record upserts the failure entry for a work item after one failed
// attempt.
func (t *Tracker) Record(ref string, reason scan.FailureReason, errMsg string, attempt int) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[ref]
	if !ok {
		t.records[ref] = &FailureRecord{
			WorkItemRef:   ref,
			FailureReason: reason,
			FailureCount:  attempt,
			FirstFailedAt: now,
			LastAttemptAt: now,
			ErrorMessage:  errMsg,
		}
		t.order = append(t.order, ref)
		return
	}
	rec.FailureReason = reason
	rec.FailureCount = attempt
	rec.LastAttemptAt = now
	rec.ErrorMessage = errMsg
}

// Discard removes the entry for an item that ended up succeeding.
func (t *Tracker) Discard(ref string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[ref]; !ok {
		return
	}
	delete(t.records, ref)
	for i, r := range t.order {
		if r == ref {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of tracked failures.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Records returns tracked failures in first-seen order.
func (t *Tracker) Records() []FailureRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FailureRecord, 0, len(t.order))
	for _, ref := range t.order {
		out = append(out, *t.records[ref])
	}
	return out
}

// ByReason breaks tracked failures down by reason.
func (t *Tracker) ByReason() map[scan.FailureReason]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[scan.FailureReason]int)
	for _, rec := range t.records {
		out[rec.FailureReason]++
	}
	return out
}

// Save writes the JSON ledger plus a bare-ref text file for direct
// resume input. With nothing tracked it writes nothing.
func (t *Tracker) Save() (jsonPath, txtPath string, err error) {
	records := t.Records()
	if len(records) == 0 {
		t.logger.Info("no failures to save")
		return "", "", nil
	}

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create failure dir: %w", err)
	}

	ledger := Ledger{
		SessionID:     t.session,
		TotalFailures: len(records),
		GeneratedAt:   time.Now(),
		Failures:      records,
	}

	jsonPath = filepath.Join(t.dir, fmt.Sprintf("failed_segments_%s.json", t.session))
	data, err := json.MarshalIndent(ledger, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("marshal ledger: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return "", "", fmt.Errorf("write ledger: %w", err)
	}

	txtPath = filepath.Join(t.dir, fmt.Sprintf("failed_segments_%s.txt", t.session))
	var sb strings.Builder
	for _, rec := range records {
		sb.WriteString(rec.WorkItemRef)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(txtPath, []byte(sb.String()), 0o644); err != nil {
		return "", "", fmt.Errorf("write ref list: %w", err)
	}

	t.logger.Info("failure ledger written",
		zap.Int("failures", len(records)),
		zap.String("path", jsonPath),
	)
	return jsonPath, txtPath, nil
}

// LoadRefs reads work item refs from a prior ledger, accepting either
// the JSON ledger or the bare-ref text file.
func LoadRefs(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var ledger Ledger
		if err := json.Unmarshal(data, &ledger); err != nil {
			return nil, fmt.Errorf("parse ledger: %w", err)
		}
		refs := make([]string, 0, len(ledger.Failures))
		for _, rec := range ledger.Failures {
			refs = append(refs, rec.WorkItemRef)
		}
		return refs, nil
	case ".txt":
		var refs []string
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				refs = append(refs, line)
			}
		}
		return refs, nil
	default:
		return nil, fmt.Errorf("unsupported ledger format %q", filepath.Ext(path))
	}
}
