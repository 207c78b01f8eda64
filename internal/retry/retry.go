// Package retry wraps calls to external services in an exponential backoff
// policy with an optional client-side rate limit.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/councildocs/internal/config"
)

// Permanent marks err as not worth retrying. Do returns it after one attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

// Policy retries operations with exponential backoff.
type Policy struct {
	cfg     config.RetryConfig
	limiter *rate.Limiter
	notify  func(err error, wait time.Duration)
	logger  *zap.Logger
}

// Option configures a Policy.
type Option func(*Policy)

// WithLimiter sets a rate limiter waited on before every attempt.
func WithLimiter(l *rate.Limiter) Option {
	return func(p *Policy) { p.limiter = l }
}

// WithNotify sets a callback invoked before each retry.
func WithNotify(fn func(err error, wait time.Duration)) Option {
	return func(p *Policy) { p.notify = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Policy) { p.logger = l }
}

// New returns a Policy for cfg. A positive RequestsPerSecond installs a
// limiter unless WithLimiter overrides it.
func New(cfg config.RetryConfig, opts ...Option) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	p := &Policy{cfg: cfg}
	if cfg.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxAttempts returns the attempt cap.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

func (p *Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.cfg.InitialInterval > 0 {
		b.InitialInterval = p.cfg.InitialInterval
	}
	if p.cfg.MaxInterval > 0 {
		b.MaxInterval = p.cfg.MaxInterval
	}
	if p.cfg.Multiplier > 1 {
		b.Multiplier = p.cfg.Multiplier
	}
	// Attempts, not elapsed time, bound the policy.
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.MaxAttempts-1)), ctx)
}

// Do runs op until it succeeds, returns a permanent error, the attempt cap is
// reached, or ctx is done. The returned error is the last one op returned,
// unwrapped from Permanent.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		return op(ctx)
	}
	notify := func(err error, wait time.Duration) {
		if p.logger != nil {
			p.logger.Warn("Retrying after error",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", p.cfg.MaxAttempts),
				zap.Duration("wait", wait),
				zap.Error(err))
		}
		if p.notify != nil {
			p.notify(err, wait)
		}
	}
	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		return errors.Join(ctx.Err(), err)
	}
	return err
}
