package retry_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/engine/retry"
	"github.com/shardmig/migrator/pkg/migration/support/util/exception"
)

func TestShouldRetryHonorsMaxAttemptsAndClass(t *testing.T) {
	f := retry.NewFactory()
	p := f.Create(config.RetryConfig{MaxAttempts: 3, InitialInterval: 10, Factor: 2})

	transient := exception.New("executor", "timeout", nil, exception.ClassTransient)
	assert.True(t, p.ShouldRetry(transient, 1))
	assert.True(t, p.ShouldRetry(transient, 2))
	assert.False(t, p.ShouldRetry(transient, 3), "attempt has reached MaxAttempts")

	logical := exception.New("executor", "bad record", nil, exception.ClassLogical)
	assert.False(t, p.ShouldRetry(logical, 1), "logical errors are never retried")

	assert.False(t, p.ShouldRetry(nil, 1))
}

func TestShouldRetryClassifiesPlainErrors(t *testing.T) {
	f := retry.NewFactory()
	p := f.Create(config.RetryConfig{MaxAttempts: 5})

	assert.True(t, p.ShouldRetry(errors.New("dial tcp: connection refused"), 1))
	assert.False(t, p.ShouldRetry(errors.New("unrecognized shape"), 1))
}

func TestBackoffIntervalGrowsExponentiallyAndClampsAtMax(t *testing.T) {
	f := retry.NewFactory()
	p := f.Create(config.RetryConfig{InitialInterval: 100, Factor: 2, MaxInterval: 300})

	assert.Equal(t, 100, p.BackoffInterval(1))
	assert.Equal(t, 200, p.BackoffInterval(2))
	assert.Equal(t, 300, p.BackoffInterval(3), "400ms would exceed MaxInterval, clamped to it")
	assert.Equal(t, 300, p.BackoffInterval(10))
}

func TestBackoffIntervalJitterStaysWithinBounds(t *testing.T) {
	f := retry.NewFactory()
	p := f.Create(config.RetryConfig{InitialInterval: 1000, Factor: 1, JitterFraction: 0.5})

	for i := 0; i < 50; i++ {
		wait := p.BackoffInterval(1)
		assert.GreaterOrEqual(t, wait, 500)
		assert.LessOrEqual(t, wait, 1500)
	}
}

func TestForClassSelectsContentionSettings(t *testing.T) {
	f := retry.NewFactory()
	cfg := &config.Config{}
	cfg.Engine.Retry = config.RetryConfig{MaxAttempts: 5}
	cfg.Engine.ContentionRetry = config.RetryConfig{MaxAttempts: 1}

	contentionPolicy := f.ForClass(cfg, exception.ClassContention)
	assert.Equal(t, 1, contentionPolicy.MaxAttempts())

	transientPolicy := f.ForClass(cfg, exception.ClassTransient)
	assert.Equal(t, 5, transientPolicy.MaxAttempts())

	structuralPolicy := f.ForClass(cfg, exception.ClassStructural)
	assert.Equal(t, 0, structuralPolicy.MaxAttempts())
	assert.False(t, structuralPolicy.ShouldRetry(errors.New("x"), 1))
}
