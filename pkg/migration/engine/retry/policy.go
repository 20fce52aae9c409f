// Package retry implements the exponential-backoff policy applied to Transient
// and Contention class errors (§7). Logical, Structural, and Fatal errors are
// never retried.
package retry

import (
	"math"
	"math/rand"

	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/support/util/exception"
)

// Policy determines whether an error should be retried and how long to wait
// before the next attempt.
type Policy interface {
	// ShouldRetry reports whether err is retryable and attempt has not exceeded
	// the configured maximum.
	ShouldRetry(err error, attempt int) bool
	// BackoffInterval returns the wait (in milliseconds) before attempt+1,
	// exponential in attempt and bounded by the configured max interval, with
	// jitter applied to avoid synchronized retry storms across executors.
	BackoffInterval(attempt int) int
	// MaxAttempts returns the configured maximum attempt count.
	MaxAttempts() int
}

// Factory builds a Policy from a RetryConfig, selecting the Retry or
// ContentionRetry settings depending on the class being handled.
type Factory struct{}

// NewFactory creates a Factory.
func NewFactory() *Factory {
	return &Factory{}
}

// ForClass returns the Policy appropriate for the given error class: the
// ContentionRetry settings for ClassContention, the Retry settings otherwise.
// Classes outside {Transient, Contention} get a zero-attempt policy — ShouldRetry
// always reports false for them, matching the "never retried" rule in §7.
func (f *Factory) ForClass(cfg *config.Config, class exception.Class) Policy {
	switch class {
	case exception.ClassContention:
		return f.Create(cfg.Engine.ContentionRetry)
	case exception.ClassTransient:
		return f.Create(cfg.Engine.Retry)
	default:
		return f.Create(config.RetryConfig{MaxAttempts: 0})
	}
}

// Create builds a Policy directly from a RetryConfig.
func (f *Factory) Create(cfg config.RetryConfig) Policy {
	return &backoffPolicy{cfg: cfg}
}

type backoffPolicy struct {
	cfg config.RetryConfig
}

func (p *backoffPolicy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// ShouldRetry retries only errors whose taxonomy class is Transient or
// Contention, and only while attempt is within the configured bound.
func (p *backoffPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.cfg.MaxAttempts {
		return false
	}
	if me, ok := err.(*exception.MigrationError); ok {
		return me.IsRetryable()
	}
	class := exception.ClassOf(err)
	return class == exception.ClassTransient || class == exception.ClassContention
}

// BackoffInterval computes initial * factor^(attempt-1), clamped to max_interval_ms,
// then perturbed by +/- jitter_fraction to desynchronize concurrent retriers.
func (p *backoffPolicy) BackoffInterval(attempt int) int {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.cfg.InitialInterval) * math.Pow(p.cfg.Factor, float64(attempt-1))
	if p.cfg.MaxInterval > 0 && base > float64(p.cfg.MaxInterval) {
		base = float64(p.cfg.MaxInterval)
	}
	if p.cfg.JitterFraction > 0 {
		jitter := base * p.cfg.JitterFraction
		base = base - jitter + rand.Float64()*2*jitter
	}
	if base < 0 {
		base = 0
	}
	return int(base)
}
