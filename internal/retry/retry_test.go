package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("busy")

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		Multiplier:     2,
	}
}

func isBusy(err error) bool { return errors.Is(err, errBusy) }

func TestDo(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		failWith  error
		attempts  int
		wantCalls int
		wantErr   bool
		exhausted bool
	}{
		{name: "first attempt succeeds", failures: 0, attempts: 3, wantCalls: 1},
		{name: "succeeds after contention", failures: 2, failWith: errBusy, attempts: 3, wantCalls: 3},
		{name: "attempts exhausted", failures: 5, failWith: errBusy, attempts: 3, wantCalls: 3, wantErr: true, exhausted: true},
		{name: "non-retryable returns immediately", failures: 5, failWith: errors.New("bad input"), attempts: 3, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastPolicy(tt.attempts), isBusy, func(ctx context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.failWith)

			var exhausted *ExhaustedError
			assert.Equal(t, tt.exhausted, errors.As(err, &exhausted))
		})
	}
}

func TestDoValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), fastPolicy(3), isBusy, func(ctx context.Context) (int64, error) {
		calls++
		if calls == 1 {
			return 0, errBusy
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
	assert.Equal(t, 2, calls)
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour, Multiplier: 2}

	err := Do(ctx, policy, isBusy, func(ctx context.Context) error {
		cancel()
		return errBusy
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextBackoffCapped(t *testing.T) {
	p := Policy{Multiplier: 2, MaxBackoff: 300 * time.Millisecond}
	assert.Equal(t, 200*time.Millisecond, next(100*time.Millisecond, p))
	assert.Equal(t, 300*time.Millisecond, next(200*time.Millisecond, p))
	assert.Equal(t, 100*time.Millisecond, next(100*time.Millisecond, Policy{}))
}
