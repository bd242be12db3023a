package operations

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kvantpay/tally/internal/saga"
	"github.com/kvantpay/tally/internal/transfer"
	"github.com/kvantpay/tally/internal/wallet"
)

// compensator builds the recovery-side undo for one operation type. It works
// purely from checkpointed state: the worker that ran the saga is gone.
func (s *Service) compensator(opType transfer.OpType) saga.Compensator {
	return saga.CompensatorFunc{
		Type: string(opType),
		Fn: func(ctx context.Context, state *saga.State) error {
			return s.compensateFromState(ctx, state)
		},
	}
}

// compensateFromState reverses whatever the checkpoints say was posted,
// cancels the transfer row if one was created, and resyncs the touched
// wallets. Every action is idempotent, so compensating an already
// compensated run is a no-op.
func (s *Service) compensateFromState(ctx context.Context, state *saga.State) error {
	cp := state.Checkpoints
	if len(cp) == 0 {
		return nil
	}

	log := s.logger.WithContext(ctx).WithField("saga_id", state.ID.String())

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Newest effects first: fee, credit leg, debit leg.
	for _, key := range []string{ckFeeTx, ckCreditTx, ckDebitTx} {
		raw, ok := cp[key]
		if !ok {
			continue
		}
		txID, err := uuid.Parse(raw)
		if err != nil {
			record(fmt.Errorf("checkpoint %s holds invalid id %q", key, raw))
			continue
		}
		if _, err := s.deps.Ledger.Reverse(ctx, txID, "heartbeat timeout recovery", "recovery"); err != nil {
			log.WithError(err).Error("recovery reversal failed", "tx_id", raw)
			record(fmt.Errorf("reverse %s: %w", raw, err))
		}
	}

	if raw, ok := cp[ckTransfer]; ok {
		record(s.cancelTransferByID(ctx, raw))
	}

	// Projections converge back to the reversed ledger.
	tenantID := state.TenantID
	currency := cp[ckCurrency]
	for _, userID := range []string{cp[ckFromUser], cp[ckToUser]} {
		if userID == "" || currency == "" || s.isInternalUser(userID) {
			continue
		}
		if _, err := s.deps.Wallets.SyncFromLedger(ctx, wallet.Key{TenantID: tenantID, UserID: userID, Currency: currency}); err != nil {
			log.WithError(err).Warn("recovery wallet resync failed", "user_id", userID)
		}
	}

	return firstErr
}

func (s *Service) cancelTransferByID(ctx context.Context, raw string) error {
	id, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("checkpoint %s holds invalid id %q", ckTransfer, raw)
	}
	current, err := s.deps.Transfers.Get(ctx, id)
	if err != nil {
		if errors.Is(err, transfer.ErrNotFound) {
			return nil
		}
		return err
	}
	if current.Status.Terminal() {
		return nil
	}
	return s.deps.Transfers.UpdateStatus(ctx, id, current.Status, transfer.StatusCancelled)
}
