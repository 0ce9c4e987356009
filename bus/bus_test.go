package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryWithBackoffSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), nil, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoffGivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), nil, func() error {
		attempts++
		return errors.New("permanent")
	})

	require.Error(t, err)
	assert.Equal(t, backoffMaxTry, attempts)
}

func TestRetryWithBackoffHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := retryWithBackoff(ctx, nil, func() error {
		attempts++
		return errors.New("would retry")
	})

	require.Error(t, err)
	assert.Equal(t, 0, attempts)
}

func TestMemoryBusDeliversToSubscribers(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	received := make(chan []byte, 1)
	require.NoError(t, b.Subscribe(ctx, "executor/python/ready", func(_ string, payload []byte) {
		received <- payload
	}))

	require.NoError(t, b.Publish(ctx, "executor/python/ready", []byte(`{"pid":1}`)))

	select {
	case payload := <-received:
		assert.JSONEq(t, `{"pid":1}`, string(payload))
	default:
		t.Fatal("expected synchronous delivery")
	}
}

func TestMemoryBusRejectsOperationsAfterClose(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), "t", nil), ErrClosed)
	assert.ErrorIs(t, b.Subscribe(context.Background(), "t", func(string, []byte) {}), ErrClosed)
}
