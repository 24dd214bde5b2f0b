package pipeline

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/warcscan/internal/scan"
	"github.com/JakeFAU/warcscan/internal/store"
)

// Sink accumulates detections and writes the run artifacts: a JSON
// report, a CSV sibling for quick viewing, and optionally live rows
// into Postgres.
type Sink struct {
	outputDir string
	db        *store.DetectionStore
	logger    *zap.Logger

	mu         sync.Mutex
	detections []scan.Detection
}

// NewSink builds a Sink writing into outputDir. The db store may be
// nil when Postgres persistence is disabled.
func NewSink(outputDir string, db *store.DetectionStore, logger *zap.Logger) *Sink {
	return &Sink{
		outputDir: outputDir,
		db:        db,
		logger:    logger.Named("sink"),
	}
}

// Add records one detection. Database writes are best-effort; a failed
// insert is logged and the run continues, since the file flush still
// carries the result.
func (s *Sink) Add(ctx context.Context, d scan.Detection) {
	s.mu.Lock()
	s.detections = append(s.detections, d)
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.SaveDetection(ctx, d); err != nil {
			s.logger.Error("database save failed",
				zap.String("url", d.URL),
				zap.Error(err),
			)
		}
	}
}

// Len returns the number of accumulated detections.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.detections)
}

// Detections returns a snapshot of the accumulated detections.
func (s *Sink) Detections() []scan.Detection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scan.Detection, len(s.detections))
	copy(out, s.detections)
	return out
}

// Flush writes the JSON and CSV reports for the session. With nothing
// accumulated it writes nothing.
func (s *Sink) Flush(sessionID string) (jsonPath, csvPath string, err error) {
	detections := s.Detections()
	if len(detections) == 0 {
		s.logger.Warn("no results to save")
		return "", "", nil
	}

	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create output dir: %w", err)
	}

	jsonPath = filepath.Join(s.outputDir, fmt.Sprintf("nextjs_sites_%s.json", sessionID))
	payload, err := json.MarshalIndent(detections, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("marshal results: %w", err)
	}
	if err := os.WriteFile(jsonPath, payload, 0o644); err != nil {
		return "", "", fmt.Errorf("write results: %w", err)
	}

	csvPath = strings.TrimSuffix(jsonPath, ".json") + ".csv"
	if err := s.writeCSV(csvPath, detections); err != nil {
		return "", "", err
	}

	s.logger.Info("results written",
		zap.Int("detections", len(detections)),
		zap.String("json", jsonPath),
		zap.String("csv", csvPath),
	)
	return jsonPath, csvPath, nil
}

func (s *Sink) writeCSV(path string, detections []scan.Detection) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{
		"domain", "url", "confidence", "build_id", "version",
		"detected_at", "crawl_date", "source_segment",
	}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, d := range detections {
		row := []string{
			d.Domain,
			d.URL,
			string(d.Confidence),
			d.BuildID,
			d.Version,
			d.DetectedAt.Format(time.RFC3339),
			d.CrawlDate,
			d.SourceSegment,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
