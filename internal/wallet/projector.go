package wallet

import (
	"context"

	"github.com/kvantpay/tally/internal/platform/events"
	"github.com/kvantpay/tally/pkg/logger"
)

// Projector applies ledger events to wallet projections. It re-syncs the
// wallets of both participants from the ledger, so replays and out-of-order
// delivery converge on the same state.
type Projector struct {
	svc    *Service
	logger *logger.Logger
}

// NewProjector creates a ledger event projector
func NewProjector(svc *Service, log *logger.Logger) *Projector {
	return &Projector{
		svc:    svc,
		logger: log.WithField("component", "wallet_projector"),
	}
}

// HandleLedgerEvent syncs the wallets touched by a committed ledger
// transaction. Sync failures for one side do not stop the other; the caller
// decides whether to redeliver.
func (p *Projector) HandleLedgerEvent(ctx context.Context, ev events.LedgerCompleted) error {
	var firstErr error
	for _, userID := range participantUsers(ev) {
		_, err := p.svc.SyncFromLedger(ctx, Key{
			TenantID: ev.TenantID,
			UserID:   userID,
			Currency: ev.Currency,
		})
		if err != nil {
			p.logger.WithError(err).Error("wallet sync from ledger event failed",
				"tenant_id", ev.TenantID,
				"user_id", userID,
				"tx_id", ev.TxID,
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func participantUsers(ev events.LedgerCompleted) []string {
	users := make([]string, 0, 2)
	if ev.FromUserID != "" {
		users = append(users, ev.FromUserID)
	}
	if ev.ToUserID != "" && ev.ToUserID != ev.FromUserID {
		users = append(users, ev.ToUserID)
	}
	return users
}
