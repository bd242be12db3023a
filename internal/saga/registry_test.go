package saga_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvantpay/tally/internal/saga"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := saga.NewRegistry()

	require.NoError(t, r.Register(saga.CompensatorFunc{
		Type: "deposit",
		Fn:   func(ctx context.Context, state *saga.State) error { return nil },
	}))

	assert.True(t, r.Has("deposit"))
	assert.False(t, r.Has("withdrawal"))

	c, err := r.Get("deposit")
	require.NoError(t, err)
	assert.Equal(t, "deposit", c.OpType())
}

func TestRegistry_RejectsDuplicatesAndNil(t *testing.T) {
	r := saga.NewRegistry()

	comp := saga.CompensatorFunc{
		Type: "deposit",
		Fn:   func(ctx context.Context, state *saga.State) error { return nil },
	}
	require.NoError(t, r.Register(comp))
	assert.Error(t, r.Register(comp))
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(saga.CompensatorFunc{Type: ""}))
}

func TestRegistry_CompensateDispatchesByOpType(t *testing.T) {
	r := saga.NewRegistry()

	var got *saga.State
	require.NoError(t, r.Register(saga.CompensatorFunc{
		Type: "transfer",
		Fn: func(ctx context.Context, state *saga.State) error {
			got = state
			return nil
		},
	}))

	state := &saga.State{OpType: "transfer", Checkpoints: map[string]string{"transfer_id": "t-1"}}
	require.NoError(t, r.Compensate(context.Background(), state))
	assert.Equal(t, "t-1", got.Checkpoints["transfer_id"])
}

func TestRegistry_CompensateUnknownType(t *testing.T) {
	r := saga.NewRegistry()

	err := r.Compensate(context.Background(), &saga.State{OpType: "exotic"})
	assert.ErrorIs(t, err, saga.ErrNoCompensator)
}

func TestStatus_Terminal(t *testing.T) {
	terminal := []saga.Status{saga.StatusCompleted, saga.StatusCompensated, saga.StatusFailed, saga.StatusRecovered}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []saga.Status{saga.StatusPending, saga.StatusInProgress} {
		assert.False(t, s.Terminal(), string(s))
	}
}
