package pipeline

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/pterm/pterm"
	"go.uber.org/zap"

	"github.com/JakeFAU/warcscan/internal/scan"
)

// Reporter surfaces run progress on the console and in the log. The
// console side uses pterm; tests swap the writer for a buffer.
type Reporter struct {
	logger  *zap.Logger
	success pterm.PrefixPrinter
	info    pterm.PrefixPrinter
	out     io.Writer
}

// NewReporter builds a Reporter writing console output to out.
func NewReporter(out io.Writer, logger *zap.Logger) *Reporter {
	return &Reporter{
		logger:  logger.Named("progress"),
		success: *pterm.Success.WithWriter(out),
		info:    *pterm.Info.WithWriter(out),
		out:     out,
	}
}

// Found prints a live line for one detection as it happens.
func (r *Reporter) Found(d scan.Detection) {
	r.success.Printfln("Found: %s (%s)", d.URL, d.Confidence)
}

// Progress logs the periodic progress line.
func (r *Reporter) Progress(stats scan.RunStats) {
	r.logger.Info("progress",
		zap.Int("processed", stats.Processed),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("detections", stats.Detections),
		zap.Int("distinct_domains", stats.DistinctDomains),
	)
}

// Summary emits the final statistics block and, when failures were
// recorded, the resume hint.
func (r *Reporter) Summary(stats scan.RunStats, byReason map[scan.FailureReason]int, ledgerPath string) {
	r.logger.Info("final statistics",
		zap.Int("processed", stats.Processed),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("detections", stats.Detections),
		zap.Int("distinct_domains", stats.DistinctDomains),
		zap.Int("distinct_urls", stats.DistinctURLs),
	)

	rows := pterm.TableData{
		{"Metric", "Count"},
		{"Segments processed", strconv.Itoa(stats.Processed)},
		{"Succeeded", strconv.Itoa(stats.Succeeded)},
		{"Failed", strconv.Itoa(stats.Failed)},
		{"Detections", strconv.Itoa(stats.Detections)},
		{"Distinct domains", strconv.Itoa(stats.DistinctDomains)},
		{"Distinct URLs", strconv.Itoa(stats.DistinctURLs)},
	}
	if err := pterm.DefaultTable.WithHasHeader(true).WithWriter(r.out).WithData(rows).Render(); err != nil {
		r.logger.Warn("render summary table", zap.Error(err))
	}

	if len(byReason) > 0 {
		reasons := make([]string, 0, len(byReason))
		for reason := range byReason {
			reasons = append(reasons, string(reason))
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			r.logger.Info("failure breakdown",
				zap.String("reason", reason),
				zap.Int("count", byReason[scan.FailureReason(reason)]),
			)
			fmt.Fprintf(r.out, "  %s: %d\n", reason, byReason[scan.FailureReason(reason)])
		}
	}
	if ledgerPath != "" {
		r.info.Printfln("Failed segments saved to %s", ledgerPath)
		r.info.Printfln("Retry them with: warcscan scan --resume-from %s", ledgerPath)
	}
}
