package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayBackoff(t *testing.T) {
	t.Parallel()
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	// Caps at MaxDelay.
	assert.Equal(t, 30*time.Second, p.Delay(10))
}

func TestRetryableTokens(t *testing.T) {
	t.Parallel()
	p := DefaultRetryPolicy()
	assert.True(t, p.Retryable(errors.New("NETWORK_EXCEPTION: connect refused")))
	assert.True(t, p.Retryable(errors.New("REQUEST_TIMED_OUT")))
	assert.False(t, p.Retryable(errors.New("employee not found")))
	assert.False(t, p.Retryable(nil))
}

func TestErrorName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "NETWORK_EXCEPTION", ErrorName(errors.New("NETWORK_EXCEPTION: connect")))
	assert.Equal(t, "ECONNRESET", ErrorName(errors.New("ECONNRESET")))
	assert.Equal(t, "Error", ErrorName(errors.New("something went wrong: badly")))
	assert.Equal(t, "", ErrorName(nil))
}

func TestSleepCtxCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sleepCtx(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
