// Package detect classifies captured page content by framework
// signature using a weighted indicator catalog.
package detect

import (
	"fmt"
	"regexp"
	"sync"
)

// Indicator weights. A strong indicator is decisive on its own; weaker
// ones need corroboration.
const (
	WeightStrong   = 3
	WeightModerate = 2
	WeightWeak     = 1
)

// Tier labels for reporting.
const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"
)

// Indicator is one scored signature pattern.
type Indicator struct {
	Name   string
	Weight int
	Tier   string
	re     *regexp.Regexp
}

// Catalog is the mutable weighted-pattern table the detector scores
// from. Scoring never branches on individual patterns, so callers can
// extend the table without touching detection code.
type Catalog struct {
	mu         sync.RWMutex
	indicators []Indicator
	buildID    *regexp.Regexp
	version    *regexp.Regexp
}

// NextJSCatalog returns the built-in Next.js signature table.
func NextJSCatalog() *Catalog {
	c := &Catalog{
		buildID: regexp.MustCompile(`/_next/static/([a-zA-Z0-9_-]+)/`),
		version: regexp.MustCompile(`Next\.js\s+v?(\d+\.\d+\.\d+)`),
	}

	for _, p := range []string{
		`__NEXT_DATA__`,
		`"__NEXT_LOADED_PAGES__"`,
		`self\.__next`,
		`window\.__NEXT_DATA__`,
		`<div id="__next"`,
		`id="__NEXT_DATA__"`,
		`"buildId"`,
	} {
		c.mustAdd(p, WeightStrong, TierHigh)
	}

	for _, p := range []string{
		`/_next/static/`,
		`/_next/data/`,
		`/_next/image`,
		`next-route-announcer`,
		`__next-error-boundary`,
		`data-nextjs-scroll-focus-boundary`,
		`/_next/webpack`,
		`__BUILD_MANIFEST`,
		`__NEXT_P`,
	} {
		c.mustAdd(p, WeightModerate, TierMedium)
	}

	for _, p := range []string{
		`/_next/`,
		`next\.js`,
		`nextjs`,
	} {
		c.mustAdd(p, WeightWeak, TierLow)
	}

	return c
}

// AddIndicator compiles pattern case-insensitively and appends it to
// the table with the given weight and tier.
func (c *Catalog) AddIndicator(pattern string, weight int, tier string) error {
	if weight < 1 {
		return fmt.Errorf("indicator weight must be positive, got %d", weight)
	}
	re, err := regexp.Compile(`(?i)` + pattern)
	if err != nil {
		return fmt.Errorf("compile indicator %q: %w", pattern, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indicators = append(c.indicators, Indicator{
		Name:   pattern,
		Weight: weight,
		Tier:   tier,
		re:     re,
	})
	return nil
}

func (c *Catalog) mustAdd(pattern string, weight int, tier string) {
	if err := c.AddIndicator(pattern, weight, tier); err != nil {
		panic(err)
	}
}

// Len returns the number of registered indicators.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.indicators)
}

func (c *Catalog) snapshot() []Indicator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Indicator, len(c.indicators))
	copy(out, c.indicators)
	return out
}

func (c *Catalog) buildIDFrom(html []byte) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.buildID == nil {
		return ""
	}
	if m := c.buildID.FindSubmatch(html); m != nil {
		return string(m[1])
	}
	return ""
}

func (c *Catalog) versionFrom(html []byte) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.version == nil {
		return ""
	}
	if m := c.version.FindSubmatch(html); m != nil {
		return string(m[1])
	}
	return ""
}
