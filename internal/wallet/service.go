package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kvantpay/tally/pkg/logger"
)

// bulkReadConcurrency bounds parallel wallet fetches in BulkBalances.
const bulkReadConcurrency = 8

// Service maintains wallet projections. It is the only writer of wallet
// rows; the operations layer asks for syncs and counter increments but
// never touches wallet fields itself.
type Service struct {
	repo   Repository
	ledger LedgerReader
	logger *logger.Logger
}

// NewService creates a wallet projection service
func NewService(repo Repository, ledgerReader LedgerReader, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		ledger: ledgerReader,
		logger: log.WithField("component", "wallet"),
	}
}

// EnsureWallet returns the wallet for the key, creating it on first
// reference. Creation races collapse on the unique index: the loser reads
// the winner's row.
func (s *Service) EnsureWallet(ctx context.Context, key Key) (*Wallet, error) {
	key, err := key.Normalize()
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.Get(ctx, key)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	candidate := &Wallet{
		ID:        uuid.New(),
		TenantID:  key.TenantID,
		UserID:    key.UserID,
		Currency:  key.Currency,
		Category:  key.Category,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Create(ctx, candidate); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return s.repo.Get(ctx, key)
		}
		return nil, err
	}
	return candidate, nil
}

// ReadBalance returns the projected wallet for the key, creating an empty
// wallet on first reference. The projection may lag the ledger within the
// staleness bound; callers that need posting-grade numbers ask the ledger.
func (s *Service) ReadBalance(ctx context.Context, key Key) (*Wallet, error) {
	return s.EnsureWallet(ctx, key)
}

// SyncFromLedger recomputes the wallet's balances from the ledger and
// writes them. Syncing twice in a row is a no-op the second time: the write
// is a plain overwrite with values derived entirely from ledger state.
func (s *Service) SyncFromLedger(ctx context.Context, key Key) (*Wallet, error) {
	key, err := key.Normalize()
	if err != nil {
		return nil, err
	}

	w, err := s.EnsureWallet(ctx, key)
	if err != nil {
		return nil, err
	}

	balances, err := s.ledger.BalancesForUser(ctx, key.TenantID, key.UserID, key.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger balances: %w", err)
	}

	if err := s.repo.SetBalances(ctx, w.ID, balances.Main, balances.Bonus, balances.Locked); err != nil {
		return nil, fmt.Errorf("failed to write projected balances: %w", err)
	}

	w.Balance = balances.Main
	w.BonusBalance = balances.Bonus
	w.LockedBalance = balances.Locked
	w.UpdatedAt = time.Now().UTC()
	return w, nil
}

// AddLifetimeCounters applies advisory counter increments for a finished
// operation.
func (s *Service) AddLifetimeCounters(ctx context.Context, walletID uuid.UUID, deposits, withdrawals, fees int64) error {
	if deposits == 0 && withdrawals == 0 && fees == 0 {
		return nil
	}
	return s.repo.AddLifetimeCounters(ctx, walletID, deposits, withdrawals, fees)
}

// UserBalances returns every wallet of a user across currencies and
// categories.
func (s *Service) UserBalances(ctx context.Context, tenantID, userID string) ([]*Wallet, error) {
	if tenantID == "" || userID == "" {
		return nil, ErrInvalidKey
	}
	return s.repo.ListByUser(ctx, tenantID, userID)
}

// BulkBalances fetches wallets for many users in one currency, in parallel
// with bounded concurrency. Order follows the input user ids.
func (s *Service) BulkBalances(ctx context.Context, tenantID string, userIDs []string, currency string) ([]*Wallet, error) {
	if tenantID == "" || currency == "" {
		return nil, ErrInvalidKey
	}

	wallets := make([]*Wallet, len(userIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkReadConcurrency)

	for i, userID := range userIDs {
		g.Go(func() error {
			w, err := s.ReadBalance(gctx, Key{
				TenantID: tenantID,
				UserID:   userID,
				Currency: currency,
			})
			if err != nil {
				return fmt.Errorf("user %s: %w", userID, err)
			}
			wallets[i] = w
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return wallets, nil
}
