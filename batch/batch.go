// ABOUTME: Bounded batch runner for writes against the key-value store
// ABOUTME: Fixed batch size, paced batch starts and exponential-backoff retry per batch
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Defaults used when a Config field is zero.
const (
	DefaultSize        = 15
	DefaultDelay       = 150 * time.Millisecond
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
)

// Config controls batch size, pacing and retry.
type Config struct {
	Size        int           `json:"size"`
	Delay       time.Duration `json:"delay"`
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = DefaultSize
	}
	if c.Delay < 0 {
		c.Delay = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	return c
}

// Runner executes work in batches. It is safe for sequential reuse; each Each
// call gets its own pacing limiter.
type Runner struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg.withDefaults(), logger: logger}
}

// Config returns the effective configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry calls fn until it succeeds, returns a permanent error, or MaxAttempts
// is reached. The wait before attempt n is BaseDelay * 2^(n-2).
func (r *Runner) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	delay := r.cfg.BaseDelay
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || IsPermanent(err) {
			return err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		r.logger.Debug("retrying after transient error",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
	return fmt.Errorf("gave up after %d attempts: %w", r.cfg.MaxAttempts, err)
}

// Failure describes a batch that still failed after retries.
type Failure struct {
	Index int
	Start int
	End   int
	Err   error
}

func (f Failure) Error() string {
	return fmt.Sprintf("batch %d (items %d-%d): %v", f.Index+1, f.Start+1, f.End, f.Err)
}

// Each runs fn over items in batches of the configured size. Batch starts are
// spaced at least Delay apart. A batch that fails after retries is reported in
// the returned failures and the remaining batches still run; only context
// cancellation stops the loop early.
func Each[T any](ctx context.Context, r *Runner, items []T, fn func(ctx context.Context, batch []T) error) ([]Failure, error) {
	limit := rate.Inf
	if r.cfg.Delay > 0 {
		limit = rate.Every(r.cfg.Delay)
	}
	limiter := rate.NewLimiter(limit, 1)

	var failures []Failure
	for i, start := 0, 0; start < len(items); i, start = i+1, start+r.cfg.Size {
		end := start + r.cfg.Size
		if end > len(items) {
			end = len(items)
		}
		if err := limiter.Wait(ctx); err != nil {
			return failures, err
		}

		chunk := items[start:end]
		err := r.Retry(ctx, func(ctx context.Context) error {
			return fn(ctx, chunk)
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return failures, ctxErr
			}
			f := Failure{Index: i, Start: start, End: end, Err: err}
			r.logger.Warn("batch failed", zap.Int("batch", i+1), zap.Error(err))
			failures = append(failures, f)
		}
	}
	return failures, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
