package wallet

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/db"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("SETTLEMENT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SETTLEMENT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, url)
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(ctx, pool))
	t.Cleanup(pool.Close)
	return pool
}

func TestPGStorePostAndReplay(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	l := NewLedger(NewPGStore(pool, nil), zap.NewNop())

	actor := "pg-test-" + t.Name()
	_, _ = pool.Exec(ctx, `DELETE FROM ledger_transactions WHERE wallet_id IN (SELECT id FROM wallets WHERE actor_id = $1)`, actor)
	_, _ = pool.Exec(ctx, `DELETE FROM wallets WHERE actor_id = $1`, actor)

	w, err := l.GetOrCreate(ctx, actor, RoleVendor)
	require.NoError(t, err)

	_, err = l.Credit(ctx, w.ID, 10000, TxSale, "o1", "k1")
	require.NoError(t, err)
	again, err := l.Credit(ctx, w.ID, 10000, TxSale, "o1", "k1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)

	_, err = l.MoveToPending(ctx, w.ID, 12000, TxPayout, "p1", "p1:reserve")
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	_, err = l.MoveToPending(ctx, w.ID, 3000, TxPayout, "p1", "p1:reserve")
	require.NoError(t, err)

	got, err := l.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, Delta{Available: 7000, Pending: 3000, Earned: 10000}, got.Buckets())

	rep, err := l.Audit(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, rep.Consistent)
}
