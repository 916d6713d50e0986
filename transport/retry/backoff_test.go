package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentlink/types"
)

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestRetryer_SuccessFirstAttempt(t *testing.T) {
	r := New(fastPolicy(3), zap.NewNop())

	calls := 0
	attempts, err := r.Do(context.Background(), func(int) error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestRetryer_RetriesTransientErrors(t *testing.T) {
	r := New(fastPolicy(4), zap.NewNop())

	calls := 0
	attempts, err := r.Do(context.Background(), func(attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if calls < 3 {
			return types.TimeoutError("slow peer")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
}

func TestRetryer_ExhaustedAnnotatesAttempts(t *testing.T) {
	r := New(fastPolicy(3), zap.NewNop())

	calls := 0
	attempts, err := r.Do(context.Background(), func(int) error {
		calls++
		return types.RoutingError(types.CodePeerUnavailable, "503")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrorTypeRouting, e.Type)
	assert.Equal(t, 3, e.Attempts)
}

func TestRetryer_SingleAttemptIsAnnotated(t *testing.T) {
	for _, policy := range []Policy{fastPolicy(1), fastPolicy(5)} {
		r := New(policy, zap.NewNop())
		_, err := r.Do(context.Background(), func(int) error {
			if policy.MaxAttempts == 1 {
				return types.RoutingError(types.CodePeerUnavailable, "503")
			}
			return types.AuthError(types.CodeAuthRejected, "401")
		})
		e, ok := types.AsError(err)
		require.True(t, ok)
		assert.Equal(t, 1, e.Attempts, "max attempts %d", policy.MaxAttempts)
	}
}

func TestRetryer_NonRetryableStopsImmediately(t *testing.T) {
	r := New(fastPolicy(5), zap.NewNop())

	for _, failure := range []error{
		types.AuthError(types.CodeAuthRejected, "401"),
		types.ProtocolError(types.CodeInvalidMessage, "bad"),
		types.CapacityError(types.CodePoolExhausted, "full"),
		types.ErrNotActive,
		errors.New("plain"),
	} {
		calls := 0
		_, err := r.Do(context.Background(), func(int) error {
			calls++
			return failure
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls, "%v must not be retried", failure)
	}
}

func TestRetryer_BackoffSequence(t *testing.T) {
	var delays []time.Duration
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    500 * time.Millisecond,
		OnRetry: func(_ int, _ error, d time.Duration) {
			delays = append(delays, d)
		},
	}
	r := New(p, zap.NewNop())
	r.wait = func(context.Context, time.Duration) error { return nil }

	_, err := r.Do(context.Background(), func(int) error {
		return types.TimeoutError("t")
	})

	require.Error(t, err)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
	}, delays)
}

func TestRetryer_ContextDeadlineDuringWait(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Second}
	r := New(p, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	attempts, err := r.Do(ctx, func(int) error {
		calls++
		return types.RoutingError(types.CodeUnreachable, "down")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, types.ErrorTypeTimeout, types.TypeOf(err))
}

func TestDoValue(t *testing.T) {
	r := New(fastPolicy(2), zap.NewNop())

	calls := 0
	v, attempts, err := DoValue(context.Background(), r, func(int) (string, error) {
		calls++
		if calls == 1 {
			return "", types.TimeoutError("t")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, attempts)
}

func TestPolicy_Normalized(t *testing.T) {
	p := Policy{MaxAttempts: -1, Multiplier: 0.5}.normalized()
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.NotNil(t, p.Retryable)
}

func TestProperty_DelayIsBoundedAndMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("delay never exceeds the cap and never shrinks", prop.ForAll(
		func(baseMs int, capMs int, mult float64, retry int) bool {
			p := Policy{
				MaxAttempts: 10,
				BaseDelay:   time.Duration(baseMs) * time.Millisecond,
				MaxDelay:    time.Duration(capMs) * time.Millisecond,
				Multiplier:  mult,
			}
			cur := p.Delay(retry)
			next := p.Delay(retry + 1)
			n := p.normalized()
			return cur <= n.MaxDelay && next >= cur && cur >= n.BaseDelay
		},
		gen.IntRange(1, 1000),
		gen.IntRange(1, 60000),
		gen.Float64Range(1.0, 4.0),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

func TestProperty_JitterStaysWithinQuarter(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("jittered delay is within ±25% of the base delay", prop.ForAll(
		func(retry int) bool {
			p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Hour, Multiplier: 2, Jitter: true}
			plain := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Hour, Multiplier: 2}.Delay(retry)
			d := p.Delay(retry)
			lo := time.Duration(float64(plain) * 0.75)
			hi := time.Duration(float64(plain) * 1.25)
			return d >= lo-time.Nanosecond && d <= hi+time.Nanosecond
		},
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
