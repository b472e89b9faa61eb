package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bindrun/bindrun/pkg/schema"
)

func TestIsTransient_Nil(t *testing.T) {
	assert.False(t, IsTransient(nil))
}

func TestIsTransient_ContextErrors(t *testing.T) {
	assert.False(t, IsTransient(context.Canceled), "cancellation means shutdown, never retry")
	assert.True(t, IsTransient(context.DeadlineExceeded), "a step deadline may clear on retry")
}

func TestIsTransient_AdapterCodes(t *testing.T) {
	assert.True(t, IsTransient(schema.NewError(schema.ErrCodeAdapterTransient, "rate limited")))
	assert.False(t, IsTransient(schema.NewError(schema.ErrCodeAdapterPermanent, "bad input")))
	assert.False(t, IsTransient(schema.NewError(schema.ErrCodeTransform, "bad amount")))
	assert.False(t, IsTransient(schema.NewError(schema.ErrCodeLookupNotFound, "no zone")))
}

func TestIsTransient_PlainErrorIsFinal(t *testing.T) {
	assert.False(t, IsTransient(errors.New("something unclassified")))
}

func TestComputeBackoff(t *testing.T) {
	cases := []struct {
		name    string
		policy  *schema.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"nil policy", nil, 0, 0},
		{"no delay", &schema.RetryPolicy{Max: 3}, 1, 0},
		{"none strategy", &schema.RetryPolicy{Max: 3, Backoff: "none", Delay: "1s"}, 2, 0},
		{"constant", &schema.RetryPolicy{Max: 3, Backoff: "constant", Delay: "1s"}, 2, time.Second},
		{"linear attempt 0", &schema.RetryPolicy{Max: 3, Backoff: "linear", Delay: "1s"}, 0, time.Second},
		{"linear attempt 2", &schema.RetryPolicy{Max: 3, Backoff: "linear", Delay: "1s"}, 2, 3 * time.Second},
		{"exponential attempt 0", &schema.RetryPolicy{Max: 5, Backoff: "exponential", Delay: "100ms"}, 0, 100 * time.Millisecond},
		{"exponential attempt 3", &schema.RetryPolicy{Max: 5, Backoff: "exponential", Delay: "100ms"}, 3, 800 * time.Millisecond},
		{"unset strategy is exponential", &schema.RetryPolicy{Max: 3, Delay: "100ms"}, 2, 400 * time.Millisecond},
		{"max delay cap", &schema.RetryPolicy{Max: 9, Backoff: "exponential", Delay: "1s", MaxDelay: "3s"}, 4, 3 * time.Second},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ComputeBackoff(tc.policy, tc.attempt))
		})
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	assert.Equal(t, 2, DefaultRetryPolicy.Max)
	assert.Equal(t, "exponential", DefaultRetryPolicy.Backoff)
	assert.Equal(t, 250*time.Millisecond, ComputeBackoff(DefaultRetryPolicy, 0))
	assert.Equal(t, 500*time.Millisecond, ComputeBackoff(DefaultRetryPolicy, 1))
	assert.Equal(t, 5*time.Second, ComputeBackoff(DefaultRetryPolicy, 10), "cap holds")
}

func TestWaitForBackoff_CancelledEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForBackoff_ZeroDelay(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
}
