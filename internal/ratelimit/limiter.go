// Package ratelimit paces outbound requests to the archive host.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/warcscan/internal/telemetry"
)

// Strategy names accepted by New.
const (
	StrategyTokenBucket   = "token_bucket"
	StrategySlidingWindow = "sliding_window"
	StrategyAdaptive      = "adaptive"
)

// successStreak is how many consecutive successes the adaptive strategy
// requires before raising its rate.
const successStreak = 10

// Limiter grants permission to issue one outbound request at a time.
// Implementations are safe for concurrent use by multiple workers.
type Limiter interface {
	// Acquire blocks until a request may be issued or ctx is done.
	Acquire(ctx context.Context) error
	// ReportSuccess signals a completed request. Only the adaptive
	// strategy reacts; the others ignore it.
	ReportSuccess()
	// ReportFailure signals an overload-class failure such as a timeout
	// or an HTTP 429. Only the adaptive strategy reacts.
	ReportFailure()
	// Rate returns the current sustained rate in requests per second.
	Rate() float64
}

// Config holds rate limiter configuration.
type Config struct {
	Strategy       string
	RPS            float64
	Burst          int
	Window         time.Duration
	MinRPS         float64
	MaxRPS         float64
	IncreaseFactor float64
	DecreaseFactor float64
}

func (c Config) withDefaults() Config {
	if c.RPS <= 0 {
		c.RPS = 2.0
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.Window <= 0 {
		c.Window = time.Second
	}
	if c.MinRPS <= 0 {
		c.MinRPS = 0.5
	}
	if c.MaxRPS <= 0 {
		c.MaxRPS = 10.0
	}
	if c.IncreaseFactor <= 1 {
		c.IncreaseFactor = 1.2
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1 {
		c.DecreaseFactor = 0.5
	}
	return c
}

// New constructs the limiter named by cfg.Strategy. An empty strategy
// selects the token bucket.
func New(cfg Config) (Limiter, error) {
	cfg = cfg.withDefaults()
	switch cfg.Strategy {
	case StrategyTokenBucket, "":
		return NewTokenBucket(cfg.RPS, cfg.Burst), nil
	case StrategySlidingWindow:
		return NewSlidingWindow(cfg.RPS, cfg.Window), nil
	case StrategyAdaptive:
		return NewAdaptive(cfg), nil
	default:
		return nil, fmt.Errorf("unknown rate limit strategy %q", cfg.Strategy)
	}
}

// TokenBucket refills burst capacity continuously at a fixed rate.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a token bucket limiter.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{limiter: rate.NewLimiter(r, burst)}
}

// Acquire blocks until a token is available, respecting the context.
func (t *TokenBucket) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	observeDelay(start)
	return nil
}

// ReportSuccess is a no-op for the fixed-rate bucket.
func (t *TokenBucket) ReportSuccess() {}

// ReportFailure is a no-op for the fixed-rate bucket.
func (t *TokenBucket) ReportFailure() {}

// Rate returns the configured sustained rate.
func (t *TokenBucket) Rate() float64 {
	return float64(t.limiter.Limit())
}

// SlidingWindow admits at most rate*window requests inside any trailing
// window. Stricter than the token bucket, at the cost of keeping one
// timestamp per admitted request.
type SlidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	starts []time.Time
}

// NewSlidingWindow creates a sliding window limiter over the given window.
func NewSlidingWindow(rps float64, window time.Duration) *SlidingWindow {
	if window <= 0 {
		window = time.Second
	}
	maxReq := int(rps * window.Seconds())
	if maxReq < 1 {
		maxReq = 1
	}
	return &SlidingWindow{window: window, max: maxReq}
}

// Acquire blocks until the oldest timestamp leaves the window, respecting
// the context.
func (s *SlidingWindow) Acquire(ctx context.Context) error {
	start := time.Now()
	for {
		s.mu.Lock()
		now := time.Now()
		s.evict(now)
		if len(s.starts) < s.max {
			s.starts = append(s.starts, now)
			s.mu.Unlock()
			observeDelay(start)
			return nil
		}
		wait := s.starts[0].Add(s.window).Sub(now)
		s.mu.Unlock()

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// evict drops timestamps that have aged out of the window. Callers hold mu.
func (s *SlidingWindow) evict(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.starts) && !s.starts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.starts = append(s.starts[:0], s.starts[i:]...)
	}
}

// ReportSuccess is a no-op for the sliding window.
func (s *SlidingWindow) ReportSuccess() {}

// ReportFailure is a no-op for the sliding window.
func (s *SlidingWindow) ReportFailure() {}

// Rate returns the sustained rate implied by the window capacity.
func (s *SlidingWindow) Rate() float64 {
	return float64(s.max) / s.window.Seconds()
}

// Adaptive wraps a token bucket and retunes its rate from reported
// outcomes. A streak of successes raises the rate by a small factor;
// any reported failure lowers it by a larger one. The rate stays
// clamped to [MinRPS, MaxRPS].
type Adaptive struct {
	mu        sync.Mutex
	bucket    *TokenBucket
	current   float64
	min       float64
	max       float64
	increase  float64
	decrease  float64
	successes int
}

// NewAdaptive creates an adaptive limiter starting at cfg.RPS.
func NewAdaptive(cfg Config) *Adaptive {
	cfg = cfg.withDefaults()
	current := cfg.RPS
	if current < cfg.MinRPS {
		current = cfg.MinRPS
	}
	if current > cfg.MaxRPS {
		current = cfg.MaxRPS
	}
	return &Adaptive{
		bucket:   NewTokenBucket(current, cfg.Burst),
		current:  current,
		min:      cfg.MinRPS,
		max:      cfg.MaxRPS,
		increase: cfg.IncreaseFactor,
		decrease: cfg.DecreaseFactor,
	}
}

// Acquire blocks until the wrapped bucket grants a token.
func (a *Adaptive) Acquire(ctx context.Context) error {
	return a.bucket.Acquire(ctx)
}

// ReportSuccess counts toward the streak that raises the rate.
func (a *Adaptive) ReportSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.successes++
	if a.successes < successStreak {
		return
	}
	a.successes = 0
	a.retune(a.current * a.increase)
}

// ReportFailure lowers the rate and resets the success streak.
func (a *Adaptive) ReportFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.successes = 0
	a.retune(a.current * a.decrease)
}

// retune clamps and applies a new rate. Callers hold mu.
func (a *Adaptive) retune(next float64) {
	if next < a.min {
		next = a.min
	}
	if next > a.max {
		next = a.max
	}
	if next == a.current {
		return
	}
	a.current = next
	a.bucket.limiter.SetLimit(rate.Limit(next))
}

// Rate returns the current tuned rate.
func (a *Adaptive) Rate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func observeDelay(start time.Time) {
	if d := time.Since(start); d > time.Millisecond {
		telemetry.ObserveRateLimitDelay(d)
	}
}
