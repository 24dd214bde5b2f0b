// Package scan defines core types shared across the scanning subsystems.
package scan

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Confidence is the coarse certainty tier assigned to a detection.
type Confidence string

// Confidence tiers ordered from weakest to strongest.
const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

var confidenceRank = map[Confidence]int{
	ConfidenceLow:    1,
	ConfidenceMedium: 2,
	ConfidenceHigh:   3,
}

// AtLeast reports whether c meets or exceeds the min tier. Unknown tiers rank
// below low so misconfigured filters fail closed.
func (c Confidence) AtLeast(min Confidence) bool {
	return confidenceRank[c] >= confidenceRank[min]
}

// Valid reports whether c is one of the three known tiers.
func (c Confidence) Valid() bool {
	_, ok := confidenceRank[c]
	return ok
}

// WorkItem identifies one archive segment, or a sub-range of one, to fetch
// and classify. Items are immutable once enqueued.
type WorkItem struct {
	// SegmentPath is the archive-relative path of the segment, e.g.
	// "crawl-data/CC-MAIN-2025-47/segments/.../warc/...warc.gz".
	SegmentPath string
	// Offset and Length select a byte range inside the segment. A Length of
	// zero means no range is known and a bounded prefix is fetched instead.
	Offset int64
	Length int64
	// TargetURL and CrawlDate carry index metadata when the item came from
	// the index client; both are empty for path-file items.
	TargetURL string
	CrawlDate string
}

// HasRange reports whether the item carries an explicit byte range.
func (w WorkItem) HasRange() bool {
	return w.Length > 0
}

// Ref returns the stable reference used for ledger entries and resume input.
// Ranged items encode the range so a resumed run re-fetches the same bytes.
func (w WorkItem) Ref() string {
	if !w.HasRange() {
		return w.SegmentPath
	}
	return fmt.Sprintf("%s#%d-%d", w.SegmentPath, w.Offset, w.Length)
}

// ParseRef reverses Ref. Plain segment paths pass through unchanged, so a
// hand-written path list is accepted as resume input too.
func ParseRef(ref string) (WorkItem, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return WorkItem{}, fmt.Errorf("empty work item ref")
	}
	path, frag, ok := strings.Cut(ref, "#")
	if !ok {
		return WorkItem{SegmentPath: ref}, nil
	}
	offs, lens, ok := strings.Cut(frag, "-")
	if !ok {
		return WorkItem{}, fmt.Errorf("malformed work item ref %q", ref)
	}
	offset, err := strconv.ParseInt(offs, 10, 64)
	if err != nil {
		return WorkItem{}, fmt.Errorf("parse ref offset %q: %w", ref, err)
	}
	length, err := strconv.ParseInt(lens, 10, 64)
	if err != nil {
		return WorkItem{}, fmt.Errorf("parse ref length %q: %w", ref, err)
	}
	return WorkItem{SegmentPath: path, Offset: offset, Length: length}, nil
}

// Detection is the persisted record for one positively classified capture.
type Detection struct {
	Domain        string     `json:"domain"`
	URL           string     `json:"url"`
	Confidence    Confidence `json:"confidence"`
	Indicators    []string   `json:"indicators"`
	BuildID       string     `json:"build_id,omitempty"`
	Version       string     `json:"version,omitempty"`
	DetectedAt    time.Time  `json:"detected_at"`
	CrawlDate     string     `json:"crawl_date,omitempty"`
	SourceSegment string     `json:"source_segment"`
}

// RunStats aggregates per-run counters. Snapshot values; the pipeline owns
// the mutable originals.
type RunStats struct {
	Processed       int `json:"processed"`
	Succeeded       int `json:"succeeded"`
	Failed          int `json:"failed"`
	Detections      int `json:"detections"`
	DistinctDomains int `json:"distinct_domains"`
	DistinctURLs    int `json:"distinct_urls"`
}
