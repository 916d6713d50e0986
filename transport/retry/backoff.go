// Package retry 提供传输层统一使用的指数退避重试策略。
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentlink/types"
)

// Policy 定义重试策略
type Policy struct {
	MaxAttempts int           // 总尝试次数（含首次），<=1 表示不重试
	BaseDelay   time.Duration // 首次重试前的延迟
	Multiplier  float64       // 指数退避倍数
	MaxDelay    time.Duration // 延迟上限
	Jitter      bool          // ±25% 随机抖动

	// Retryable 判断错误是否可重试，默认 types.IsRetryable
	Retryable func(error) bool
	// OnRetry 在每次等待前调用，retry 从 1 开始
	OnRetry func(retry int, err error, delay time.Duration)
}

// DefaultPolicy 返回默认策略：首次 + 3 次重试，1s 起步，倍数 2，上限 30s
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	if p.Retryable == nil {
		p.Retryable = types.IsRetryable
	}
	return p
}

// Delay returns the wait before the given retry (1 for the first retry):
// min(BaseDelay * Multiplier^(retry-1), MaxDelay), with optional jitter.
func (p Policy) Delay(retry int) time.Duration {
	p = p.normalized()
	if retry < 1 {
		retry = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retry-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
		if delay > float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
		}
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Retryer runs an operation under a Policy.
type Retryer struct {
	policy Policy
	logger *zap.Logger
	wait   func(ctx context.Context, d time.Duration) error
}

// New creates a Retryer.
func New(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{
		policy: policy.normalized(),
		logger: logger.With(zap.String("component", "retry")),
		wait:   sleep,
	}
}

// Policy returns the normalized policy.
func (r *Retryer) Policy() Policy {
	return r.policy
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempt
// limit is reached. fn receives the 1-based attempt number. The number of
// attempts made is returned alongside the final error.
func (r *Retryer) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			retry := attempt - 1
			delay := r.policy.Delay(retry)

			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(retry, lastErr, delay)
			}

			if err := r.wait(ctx, delay); err != nil {
				return attempt - 1, interrupted(err, lastErr, attempt-1)
			}
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return attempt, nil
		}

		if !r.policy.Retryable(lastErr) {
			r.logger.Debug("error not retryable", zap.Error(lastErr))
			return attempt, annotate(lastErr, attempt)
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return r.policy.MaxAttempts, annotate(lastErr, r.policy.MaxAttempts)
}

// DoValue is the value-returning form of Retryer.Do.
func DoValue[T any](ctx context.Context, r *Retryer, fn func(attempt int) (T, error)) (T, int, error) {
	var result T
	attempts, err := r.Do(ctx, func(attempt int) error {
		v, err := fn(attempt)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, attempts, err
	}
	return result, attempts, nil
}

// annotate records the attempt count on structured errors. Plain errors are
// returned unchanged.
func annotate(err error, attempts int) error {
	if e, ok := types.AsError(err); ok && attempts >= 1 {
		return e.Clone().WithAttempts(attempts)
	}
	return err
}

func interrupted(ctxErr, lastErr error, attempts int) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return types.TimeoutError("deadline exceeded while waiting to retry").
			WithCause(lastErr).
			WithAttempts(attempts)
	}
	if lastErr != nil {
		return annotate(lastErr, attempts)
	}
	return ctxErr
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
