package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/warcscan/internal/proxy"
	"github.com/JakeFAU/warcscan/internal/scan"
	"github.com/JakeFAU/warcscan/internal/telemetry"
)

const (
	defaultMaxRetries = 5
	defaultDelay      = 300 * time.Second
)

// AttemptFunc runs one attempt for a work item through the given proxy.
type AttemptFunc func(ctx context.Context, attempt int, via proxy.Descriptor) error

// Config tunes the attempt loop.
type Config struct {
	// MaxRetries caps the total attempts per work item.
	MaxRetries int `mapstructure:"max_retries"`
	// Delay is the pause between attempts.
	Delay time.Duration `mapstructure:"delay"`
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Delay <= 0 {
		c.Delay = defaultDelay
	}
	return c
}

// Controller walks a work item through up to MaxRetries attempts,
// rotating the proxy before each retry and recording terminal
// failures in the tracker.
type Controller struct {
	cfg     Config
	tracker *Tracker
	rotator *proxy.Rotator
	logger  *zap.Logger
}

// NewController builds a Controller. The rotator may be nil when
// requests go out directly.
func NewController(cfg Config, tracker *Tracker, rotator *proxy.Rotator, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:     cfg.withDefaults(),
		tracker: tracker,
		rotator: rotator,
		logger:  logger.Named("retry"),
	}
}

// Run drives the attempt loop for one work item and returns the proxy
// the item ended on, so callers can keep worker assignments sticky.
//
// Attempts are strictly sequential. A recoverable failure schedules
// another attempt after the configured delay; the wait aborts early
// when ctx is canceled. A non-recoverable failure stops the loop at
// once regardless of remaining budget. Either way every failed attempt
// updates the tracker, and a later success wipes the entry again.
func (c *Controller) Run(ctx context.Context, ref string, via proxy.Descriptor, fn AttemptFunc) (proxy.Descriptor, error) {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			telemetry.IncRetry()
			if c.rotator != nil {
				next := c.rotator.Rotate(via)
				if next.Name != via.Name {
					telemetry.IncProxyRotation()
					c.logger.Info("rotating proxy for retry",
						zap.String("item", ref),
						zap.Int("attempt", attempt),
						zap.String("from", via.Name),
						zap.String("to", next.Name),
					)
				}
				via = next
			}
		}

		err := fn(ctx, attempt, via)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("succeeded after retry",
					zap.String("item", ref),
					zap.Int("attempt", attempt),
				)
			}
			c.tracker.Discard(ref)
			return via, nil
		}
		lastErr = err

		// An attempt cut off by shutdown before reaching the network is
		// not a failure of the item; leave the tracker alone so resume
		// sees only genuine outcomes.
		var fe *scan.FetchError
		if !errors.As(err, &fe) && ctx.Err() != nil {
			return via, fmt.Errorf("attempt interrupted: %w", err)
		}

		fe = scan.Classify(err)
		c.tracker.Record(ref, fe.Reason(), err.Error(), attempt)

		if !fe.Recoverable() {
			c.logger.Warn("permanent failure, not retrying",
				zap.String("item", ref),
				zap.String("reason", string(fe.Reason())),
				zap.Error(err),
			)
			return via, lastErr
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		c.logger.Debug("attempt failed, backing off",
			zap.String("item", ref),
			zap.Int("attempt", attempt),
			zap.Duration("delay", c.cfg.Delay),
			zap.Error(err),
		)
		if err := c.wait(ctx); err != nil {
			return via, err
		}
	}

	c.logger.Error("failed after max retries",
		zap.String("item", ref),
		zap.Int("attempts", c.cfg.MaxRetries),
		zap.Error(lastErr),
	)
	return via, lastErr
}

func (c *Controller) wait(ctx context.Context) error {
	timer := time.NewTimer(c.cfg.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
