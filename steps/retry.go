package steps

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/songzhibin97/workflow-orchestrator/types"
)

// MaxBackoff caps the delay computed for any retry.
const MaxBackoff = 5 * time.Minute

var ErrInvalidRetryConfig = errors.New("invalid retry config")

type backoffCalculator func(base time.Duration, attempt int) time.Duration

// attempt is the 1-based number of the attempt that just failed.
var backoffCalculators = map[types.BackoffStrategy]backoffCalculator{
	types.BackoffFixed: func(base time.Duration, _ int) time.Duration {
		return base
	},
	types.BackoffLinear: func(base time.Duration, attempt int) time.Duration {
		return base * time.Duration(attempt)
	},
	types.BackoffExponential: func(base time.Duration, attempt int) time.Duration {
		return time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	},
}

// ValidateRetryConfig rejects configs no retry loop can honour. A nil
// config is valid and means a single attempt.
func ValidateRetryConfig(cfg *types.RetryConfig) error {
	if cfg == nil {
		return nil
	}
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidRetryConfig, cfg.MaxAttempts)
	}
	if cfg.Delay < 0 {
		return fmt.Errorf("%w: delay cannot be negative", ErrInvalidRetryConfig)
	}
	if cfg.Backoff != "" {
		if _, ok := backoffCalculators[cfg.Backoff]; !ok {
			return fmt.Errorf("%w: unknown backoff %q", ErrInvalidRetryConfig, cfg.Backoff)
		}
	}
	return nil
}

// Backoff returns how long to wait after the given failed attempt.
func Backoff(cfg *types.RetryConfig, attempt int) time.Duration {
	if cfg == nil || cfg.Delay <= 0 {
		return 0
	}
	calc, ok := backoffCalculators[cfg.Backoff]
	if !ok {
		calc = backoffCalculators[types.BackoffFixed]
	}
	delay := calc(cfg.Delay, attempt)
	if delay > MaxBackoff || delay < 0 {
		return MaxBackoff
	}
	return delay
}

// AttemptFunc is one try of a unit of work.
type AttemptFunc func(ctx context.Context) (any, error)

// RetryPolicy parameterizes Retry.
type RetryPolicy struct {
	StepID  string
	Retry   *types.RetryConfig
	Timeout time.Duration
	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func (p RetryPolicy) maxAttempts() int {
	if p.Retry == nil || p.Retry.MaxAttempts < 1 {
		return 1
	}
	return p.Retry.MaxAttempts
}

// Retry runs fn until it succeeds or the policy gives up, and returns the
// output, the number of attempts made and the last error. Timeouts and
// cancellation end the loop immediately; every other failure is retried
// until MaxAttempts is reached.
func Retry(ctx context.Context, policy RetryPolicy, fn AttemptFunc) (any, int, error) {
	maxAttempts := policy.maxAttempts()
	for attempt := 1; ; attempt++ {
		out, err := runAttempt(ctx, policy, fn)
		if err == nil {
			return out, attempt, nil
		}
		if errors.Is(err, ErrStepTimeout) || errors.Is(err, ErrStepCancelled) {
			return nil, attempt, err
		}
		if attempt >= maxAttempts {
			return nil, attempt, err
		}

		delay := Backoff(policy.Retry, attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, delay)
		}
		if waitErr := sleep(ctx, delay); waitErr != nil {
			return nil, attempt, fmt.Errorf("%w: %v", ErrStepCancelled, waitErr)
		}
	}
}

type attemptOutcome struct {
	out any
	err error
}

// runAttempt races fn against the attempt deadline and ctx. The attempt
// context is always cancelled on return so fn can release its resources.
func runAttempt(ctx context.Context, policy RetryPolicy, fn AttemptFunc) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStepCancelled, err)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	if policy.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
	}
	defer cancel()

	done := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptOutcome{err: fmt.Errorf("panic occurred: %v", r)}
			}
		}()
		out, err := fn(attemptCtx)
		done <- attemptOutcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && attemptCtx.Err() != nil {
			return nil, interruption(ctx, policy)
		}
		return o.out, o.err
	case <-attemptCtx.Done():
		return nil, interruption(ctx, policy)
	}
}

func interruption(ctx context.Context, policy RetryPolicy) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStepCancelled, err)
	}
	return &StepTimeoutError{StepID: policy.StepID, Timeout: policy.Timeout}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
