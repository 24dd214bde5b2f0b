package detect

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/warcscan/internal/scan"
)

// metaNameFragments mark framework-specific meta tag names.
var metaNameFragments = []string{"next-head-count", "next-font", "__next"}

// Result is the outcome of scoring one page.
type Result struct {
	Match      bool
	Confidence scan.Confidence
	Indicators []string
	BuildID    string
	Version    string
	MaxScore   int
	TotalScore int
}

// Detector scores page content against an indicator catalog. Detection
// is pure: identical input always yields an identical result.
type Detector struct {
	catalog *Catalog
	logger  *zap.Logger
}

// New builds a Detector over the given catalog.
func New(catalog *Catalog, logger *zap.Logger) *Detector {
	return &Detector{
		catalog: catalog,
		logger:  logger.Named("detect"),
	}
}

// Detect scans html and returns the scored result. Each catalog entry
// counts at most once no matter how often it occurs in the page.
func (d *Detector) Detect(html []byte) Result {
	if len(html) == 0 {
		return Result{}
	}

	var res Result
	addScore := func(name string, weight int) {
		res.Indicators = append(res.Indicators, name)
		res.TotalScore += weight
		if weight > res.MaxScore {
			res.MaxScore = weight
		}
	}

	for _, ind := range d.catalog.snapshot() {
		if ind.re.Match(html) {
			addScore(ind.Name, ind.Weight)
		}
	}

	if id := d.catalog.buildIDFrom(html); id != "" {
		res.BuildID = id
		addScore(fmt.Sprintf("build_id:%s", id), WeightStrong)
	}
	res.Version = d.catalog.versionFrom(html)

	if metas := metaSignals(html); len(metas) > 0 {
		addScore("nextjs_meta_tags", WeightModerate)
		d.logger.Debug("framework meta tags found", zap.Strings("tags", metas))
	}

	res.Match = len(res.Indicators) > 0
	if res.Match {
		res.Confidence = confidenceFor(res.MaxScore, res.TotalScore)
	}
	return res
}

// confidenceFor maps scores to a confidence level: a single decisive
// indicator or enough corroboration reads as high.
func confidenceFor(maxScore, totalScore int) scan.Confidence {
	switch {
	case maxScore >= 3 || totalScore >= 5:
		return scan.ConfidenceHigh
	case maxScore >= 2 || totalScore >= 3:
		return scan.ConfidenceMedium
	default:
		return scan.ConfidenceLow
	}
}

// metaSignals parses the document and collects framework-specific meta
// tag names plus the root container and data script markers.
func metaSignals(html []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil
	}

	var found []string
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		if name == "" {
			name, _ = s.Attr("property")
		}
		lower := strings.ToLower(name)
		for _, frag := range metaNameFragments {
			if strings.Contains(lower, frag) {
				found = append(found, name)
				break
			}
		}
	})

	if doc.Find(`div#__next`).Length() > 0 {
		found = append(found, "__next_root")
	}
	if doc.Find(`script#__NEXT_DATA__`).Length() > 0 {
		found = append(found, "__NEXT_DATA__")
	}
	return found
}
