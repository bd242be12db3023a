package transfer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kvantpay/tally/internal/transfer"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to transfer.Status
		allowed  bool
	}{
		{transfer.StatusPending, transfer.StatusActive, true},
		{transfer.StatusPending, transfer.StatusCancelled, true},
		{transfer.StatusPending, transfer.StatusCompleted, false},
		{transfer.StatusActive, transfer.StatusCompleted, true},
		{transfer.StatusActive, transfer.StatusFailed, true},
		{transfer.StatusActive, transfer.StatusCancelled, true},
		{transfer.StatusActive, transfer.StatusPending, false},
		{transfer.StatusCompleted, transfer.StatusCancelled, false},
		{transfer.StatusFailed, transfer.StatusActive, false},
		{transfer.StatusCancelled, transfer.StatusCompleted, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []transfer.Status{transfer.StatusCompleted, transfer.StatusFailed, transfer.StatusCancelled} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []transfer.Status{transfer.StatusPending, transfer.StatusActive} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestOpType_IsValid(t *testing.T) {
	assert.True(t, transfer.OpDeposit.IsValid())
	assert.True(t, transfer.OpWithdrawal.IsValid())
	assert.True(t, transfer.OpTransfer.IsValid())
	assert.False(t, transfer.OpType("swap").IsValid())
}
