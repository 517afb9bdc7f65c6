package errors

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryConfig{
	MaxAttempts:   3,
	InitialDelay:  time.Millisecond,
	MaxDelay:      5 * time.Millisecond,
	BackoffFactor: 2.0,
}

func TestRetryWithBackoffSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), "open store", fastRetry, func() error {
		calls++
		if calls < 3 {
			return stderrors.New("locked")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoffReturnsLastError(t *testing.T) {
	sentinel := stderrors.New("still locked")
	err := RetryWithBackoff(context.Background(), "open store", fastRetry, func() error {
		return sentinel
	})

	require.Error(t, err)
	assert.True(t, Is(err, sentinel))
}

func TestRetryWithBackoffHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	cfg := fastRetry
	cfg.InitialDelay = time.Hour
	err := RetryWithBackoff(ctx, "open store", cfg, func() error {
		calls++
		return stderrors.New("locked")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestComponentErrorUnwraps(t *testing.T) {
	root := stderrors.New("disk full")
	err := Wrap(NewComponentError("Database", "upsert", root), "ingest %s", "00:11:22:33:44:55")

	var ce *ComponentError
	require.True(t, As(err, &ce))
	assert.Equal(t, "Database", ce.Component)
	assert.True(t, Is(err, root))
	assert.Equal(t, "ingest 00:11:22:33:44:55: [Database] upsert: disk full", err.Error())
	assert.Nil(t, Wrap(nil, "nothing"))
}
