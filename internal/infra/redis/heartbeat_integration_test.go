//go:build integration

package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	infraredis "github.com/kvantpay/tally/internal/infra/redis"
	"github.com/kvantpay/tally/internal/saga"
	"github.com/kvantpay/tally/pkg/logger"
	"github.com/kvantpay/tally/testutil/testdb"
)

var testRedis *testdb.TestRedis

func TestMain(m *testing.M) {
	ctx := context.Background()

	var err error
	testRedis, err = testdb.NewTestRedis(ctx)
	if err != nil {
		panic("failed to start test redis: " + err.Error())
	}

	code := m.Run()

	testRedis.Close(ctx)
	if code != 0 {
		panic("tests failed")
	}
}

func newStore(t *testing.T) (*infraredis.HeartbeatStore, context.Context) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, testRedis.Client.FlushAll(ctx).Err())
	log := logger.NewDefault("test")
	return infraredis.NewHeartbeatStore(testRedis.Client, time.Minute, log), ctx
}

func newState(status saga.Status, heartbeatAge time.Duration) *saga.State {
	now := time.Now().UTC()
	return &saga.State{
		ID:            uuid.New(),
		TenantID:      "acme",
		OpType:        "deposit",
		Status:        status,
		Steps:         []saga.StepState{{Name: "post_ledger", Critical: true, Status: saga.StepCompleted}},
		Checkpoints:   map[string]string{"debit_tx_id": uuid.NewString()},
		StartedAt:     now.Add(-heartbeatAge - time.Second),
		LastHeartbeat: now.Add(-heartbeatAge),
	}
}

func TestHeartbeatStore_SaveAndGet(t *testing.T) {
	store, ctx := newStore(t)

	state := newState(saga.StatusInProgress, 0)
	require.NoError(t, store.Save(ctx, state))

	got, err := store.Get(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ID, got.ID)
	assert.Equal(t, saga.StatusInProgress, got.Status)
	assert.Equal(t, state.Checkpoints, got.Checkpoints)
	assert.Len(t, got.Steps, 1)
}

func TestHeartbeatStore_GetMissing(t *testing.T) {
	store, ctx := newStore(t)

	_, err := store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, saga.ErrNotFound)
}

func TestHeartbeatStore_ListStuck(t *testing.T) {
	store, ctx := newStore(t)

	stale := newState(saga.StatusInProgress, time.Minute)
	fresh := newState(saga.StatusInProgress, 0)
	terminal := newState(saga.StatusCompleted, time.Minute)
	pendingStale := newState(saga.StatusPending, time.Minute)

	for _, s := range []*saga.State{stale, fresh, pendingStale} {
		require.NoError(t, store.Save(ctx, s))
	}
	require.NoError(t, store.MarkTerminal(ctx, terminal))

	stuck, err := store.ListStuck(ctx, time.Now().UTC().Add(-30*time.Second))
	require.NoError(t, err)

	ids := make(map[uuid.UUID]bool, len(stuck))
	for _, s := range stuck {
		ids[s.ID] = true
	}
	assert.True(t, ids[stale.ID], "stale in_progress saga should be stuck")
	assert.True(t, ids[pendingStale.ID], "stale pending saga should be stuck")
	assert.False(t, ids[fresh.ID], "fresh saga must not be stuck")
	assert.False(t, ids[terminal.ID], "terminal saga must not be stuck")
}

func TestHeartbeatStore_ClaimIsExclusive(t *testing.T) {
	store, ctx := newStore(t)

	id := uuid.New()
	won, err := store.TryClaim(ctx, id, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	lost, err := store.TryClaim(ctx, id, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, lost, "second claimant must lose")

	require.NoError(t, store.ReleaseClaim(ctx, id))

	again, err := store.TryClaim(ctx, id, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, again, "released claim can be retaken")
}

func TestHeartbeatStore_ClaimKeysInvisibleToScan(t *testing.T) {
	store, ctx := newStore(t)

	id := uuid.New()
	_, err := store.TryClaim(ctx, id, "worker-a", time.Minute)
	require.NoError(t, err)

	stuck, err := store.ListStuck(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

func TestHeartbeatStore_Delete(t *testing.T) {
	store, ctx := newStore(t)

	state := newState(saga.StatusInProgress, 0)
	require.NoError(t, store.Save(ctx, state))
	require.NoError(t, store.Delete(ctx, state.ID))

	_, err := store.Get(ctx, state.ID)
	assert.ErrorIs(t, err, saga.ErrNotFound)
}
