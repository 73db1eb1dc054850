package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/settlement/internal/apperr"
)

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return apperr.Unavailable("paystack", errors.New("503"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return apperr.Validation("bad account")
	})
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, 1, calls)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 2, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return apperr.Unavailable("flutterwave", errors.New("timeout"))
	})
	require.ErrorIs(t, err, apperr.ErrProviderUnavailable)
	assert.Equal(t, 2, calls)
}

func TestDoAppliesPerAttemptTimeout(t *testing.T) {
	err := Do(context.Background(), Policy{Attempts: 1, Timeout: 5 * time.Millisecond}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnlessPermanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, BaseDelay: time.Millisecond, Retryable: UnlessPermanent}, func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("conn reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
