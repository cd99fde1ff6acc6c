package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solacelabs/sam-core/internal/retry"
)

func TestDo_SucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Default, nil, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUpToMaxAttempts(t *testing.T) {
	calls := 0
	policy := retry.Policy{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2, MaxAttempts: 3}
	boom := errors.New("boom")
	err := retry.Do(context.Background(), policy, func(error) bool { return true }, func(context.Context) error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnNonRetriable(t *testing.T) {
	calls := 0
	fatal := errors.New("fatal")
	err := retry.Do(context.Background(), retry.Default, func(error) bool { return false }, func(context.Context) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDo_CancelledContextStopsEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := retry.Policy{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, Factor: 2, MaxAttempts: 5}
	calls := 0
	err := retry.Do(ctx, policy, func(error) bool { return true }, func(context.Context) error {
		calls++
		return errors.New("x")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
