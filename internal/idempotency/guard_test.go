package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/clock"
)

type receipt struct {
	TxID   string `json:"tx_id"`
	Amount int64  `json:"amount"`
}

func TestRunExecutesOnceAndReplays(t *testing.T) {
	g := NewGuard(NewMemoryStore(nil), time.Hour, zap.NewNop(), nil)
	ctx := context.Background()
	var calls int32

	op := func(context.Context) (receipt, error) {
		atomic.AddInt32(&calls, 1)
		return receipt{TxID: "tx1", Amount: 5000}, nil
	}

	for i := 0; i < 5; i++ {
		got, replayed, err := Run(ctx, g, WebhookKey("paystack", "ref-1"), op)
		require.NoError(t, err)
		assert.Equal(t, receipt{TxID: "tx1", Amount: 5000}, got)
		assert.Equal(t, i > 0, replayed)
	}
	assert.Equal(t, int32(1), calls)
}

func TestFailedOpReleasesClaim(t *testing.T) {
	g := NewGuard(NewMemoryStore(nil), time.Hour, zap.NewNop(), nil)
	ctx := context.Background()
	boom := errors.New("ledger down")

	_, err := g.Do(ctx, "k", func(context.Context) ([]byte, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	res, err := g.Do(ctx, "k", func(context.Context) ([]byte, error) { return []byte(`"ok"`), nil })
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, `"ok"`, string(res.Payload))
}

func TestInFlightDuplicateFailsFast(t *testing.T) {
	g := NewGuard(NewMemoryStore(nil), time.Hour, zap.NewNop(), nil)
	ctx := context.Background()

	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := g.Do(ctx, "k", func(context.Context) ([]byte, error) {
			close(started)
			<-finish
			return []byte(`1`), nil
		})
		done <- err
	}()

	<-started
	_, err := g.Do(ctx, "k", func(context.Context) ([]byte, error) {
		t.Fatal("duplicate must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, apperr.ErrOperationInFlight)

	close(finish)
	require.NoError(t, <-done)

	res, err := g.Do(ctx, "k", func(context.Context) ([]byte, error) { return nil, nil })
	require.NoError(t, err)
	assert.True(t, res.Replayed)
}

func TestConcurrentDuplicatesRunOnce(t *testing.T) {
	g := NewGuard(NewMemoryStore(nil), time.Hour, zap.NewNop(), nil)
	ctx := context.Background()
	var calls int32

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Do(ctx, "k", func(context.Context) ([]byte, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(time.Millisecond)
				return []byte(`1`), nil
			})
			if err != nil {
				assert.ErrorIs(t, err, apperr.ErrOperationInFlight)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls)
}

func TestExpiredKeysRunAgain(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	g := NewGuard(NewMemoryStore(clk), time.Hour, zap.NewNop(), nil)
	ctx := context.Background()
	var calls int

	op := func(context.Context) ([]byte, error) { calls++; return nil, nil }
	_, err := g.Do(ctx, "k", op)
	require.NoError(t, err)

	clk.Advance(30 * time.Minute)
	res, err := g.Do(ctx, "k", op)
	require.NoError(t, err)
	assert.True(t, res.Replayed)

	clk.Advance(time.Hour)
	res, err = g.Do(ctx, "k", op)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, 2, calls)
}

func TestStaleInFlightClaimIsReclaimed(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()

	_, claimed, err := store.Claim(ctx, "k", "crashed-worker", defaultLease)
	require.NoError(t, err)
	require.True(t, claimed)

	clk.Advance(defaultLease + time.Second)
	g := NewGuard(store, time.Hour, zap.NewNop(), nil)
	res, err := g.Do(ctx, "k", func(context.Context) ([]byte, error) { return []byte(`2`), nil })
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestExpiredHolderDoesNotOverwriteNewHolder(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	g := NewGuard(store, time.Hour, zap.NewNop(), nil)
	ctx := context.Background()

	var second Result
	first, err := g.Do(ctx, "k", func(ctx context.Context) ([]byte, error) {
		// the first run outlives its lease and a redelivery takes over
		clk.Advance(defaultLease + time.Second)
		var err error
		second, err = g.Do(ctx, "k", func(context.Context) ([]byte, error) { return []byte(`"second"`), nil })
		require.NoError(t, err)
		return []byte(`"first"`), nil
	})
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.False(t, second.Replayed)

	replay, err := g.Do(ctx, "k", func(context.Context) ([]byte, error) { return nil, errors.New("must not run") })
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.JSONEq(t, `"second"`, string(replay.Payload))
}

func TestExpiredHolderFailureKeepsNewHolderClaim(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	g := NewGuard(store, time.Hour, zap.NewNop(), nil)
	ctx := context.Background()

	_, err := g.Do(ctx, "k", func(context.Context) ([]byte, error) {
		clk.Advance(defaultLease + time.Second)
		_, claimed, err := store.Claim(ctx, "k", "redelivery", defaultLease)
		require.NoError(t, err)
		require.True(t, claimed)
		return nil, errors.New("gateway timeout")
	})
	require.Error(t, err)

	_, err = g.Do(ctx, "k", func(context.Context) ([]byte, error) { return []byte(`1`), nil })
	assert.ErrorIs(t, err, apperr.ErrOperationInFlight)
}

func TestEmptyKeyRejected(t *testing.T) {
	g := NewGuard(NewMemoryStore(nil), time.Hour, zap.NewNop(), nil)
	_, err := g.Do(context.Background(), "", func(context.Context) ([]byte, error) { return nil, nil })
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "paystack:T123", WebhookKey("Paystack", "T123"))
	assert.Equal(t, "order:o1:deliver", OrderEventKey("o1", "deliver"))
	assert.Equal(t, "client:wallet-1:abc", ClientKey("wallet-1", "abc"))
}
