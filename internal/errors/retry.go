package errors

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures transport-level retry behavior.
type RetryConfig struct {
	MaxRetries   int           // Maximum number of retries (0 = no retries)
	InitialDelay time.Duration // Initial delay before first retry
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Delay multiplier for exponential backoff
	Jitter       float64       // Random jitter factor (0-1)
}

// DefaultRetryConfig returns the prober's defaults. Probing issues exactly one request per probe,
// so transport retries are off unless configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   0,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Retrier implements retry logic with exponential backoff.
type Retrier struct {
	config RetryConfig
	rng    *rand.Rand
}

// NewRetrier creates a new retrier.
func NewRetrier(config RetryConfig) *Retrier {
	return &Retrier{
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RetryFunc is a function that can be retried.
type RetryFunc func(ctx context.Context) error

// RetryResult holds the result of a retry operation.
type RetryResult struct {
	Attempts  int
	LastError error
	Duration  time.Duration
	Success   bool
}

// Do executes fn, retrying transient transport failures.
func (r *Retrier) Do(ctx context.Context, operation, endpoint string, fn RetryFunc) *RetryResult {
	result := &RetryResult{}
	start := time.Now()
	delay := r.config.InitialDelay

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		result.Attempts++

		err := fn(ctx)
		if err == nil {
			result.Success = true
			result.Duration = time.Since(start)
			return result
		}
		result.LastError = err

		if ctx.Err() != nil {
			result.LastError = NewCancelledError(endpoint, operation)
			break
		}
		if attempt >= r.config.MaxRetries || !IsRetryable(err) {
			break
		}

		select {
		case <-ctx.Done():
			result.LastError = NewCancelledError(endpoint, operation)
			result.Duration = time.Since(start)
			return result
		case <-time.After(r.withJitter(delay)):
		}

		delay = time.Duration(float64(delay) * r.config.Multiplier)
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Retrier) withJitter(base time.Duration) time.Duration {
	if r.config.Jitter <= 0 {
		return base
	}
	jitter := r.config.Jitter * float64(base)
	return time.Duration(float64(base) + r.rng.Float64()*2*jitter - jitter)
}
