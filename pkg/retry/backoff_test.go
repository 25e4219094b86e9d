package retry

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries:      maxRetries,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	var successAttempt int
	err := DoWithCallbacks(context.Background(), func() error {
		calls++
		if calls < 3 {
			return assert.AnError
		}
		return nil
	}, func(error) bool { return true }, fastConfig(5), Callbacks{
		OnRetrySuccess: func(attempt int) { successAttempt = attempt },
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, successAttempt)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return assert.AnError
	}, func(error) bool { return false }, fastConfig(5))

	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	failed := false
	err := DoWithCallbacks(context.Background(), func() error {
		calls++
		return assert.AnError
	}, func(error) bool { return true }, fastConfig(2), Callbacks{
		OnRetryFailure: func(int, error) { failed = true },
	})

	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 3, calls)
	assert.True(t, failed)
}

func TestDoHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fastConfig(5)
	cfg.InitialInterval = time.Hour
	cfg.MaxInterval = time.Hour

	err := Do(ctx, func() error { return assert.AnError }, func(error) bool { return true }, cfg)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNextBackoffIsCapped(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxRetries: 100, InitialInterval: time.Second, MaxInterval: 3 * time.Second, Multiplier: 10}
	assert.Equal(t, time.Second, cfg.NextBackoff(0))
	assert.Equal(t, 3*time.Second, cfg.NextBackoff(50))
	assert.Equal(t, time.Duration(0), cfg.NextBackoff(100))
}

func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "plain", err: errors.New("bad request"), expected: false},
		{name: "refused", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), expected: true},
		{name: "server error", err: errors.New("query failed with status 503: busy"), expected: true},
	}

	t.Parallel()
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, IsNetworkError(tt.err))
		})
	}
}
