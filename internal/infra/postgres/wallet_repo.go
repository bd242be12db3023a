package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kvantpay/tally/internal/wallet"
)

const constraintWalletIdentity = "wallets_identity_key"

// WalletRepository implements the wallet repository using PostgreSQL
type WalletRepository struct {
	pool *pgxpool.Pool
}

// NewWalletRepository creates a new PostgreSQL wallet repository
func NewWalletRepository(pool *pgxpool.Pool) *WalletRepository {
	return &WalletRepository{pool: pool}
}

const walletColumns = `id, tenant_id, user_id, currency, category, balance, bonus_balance, locked_balance, allow_negative, credit_limit, lifetime_deposits, lifetime_withdrawals, lifetime_fees, status, created_at, updated_at`

// Create inserts a wallet row. A unique violation on (tenant_id, user_id,
// currency, category) maps to wallet.ErrDuplicateKey so the caller can read
// the winner instead.
func (r *WalletRepository) Create(ctx context.Context, w *wallet.Wallet) error {
	query := `
		INSERT INTO wallets (` + walletColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}

	_, err := r.pool.Exec(ctx, query,
		w.ID,
		w.TenantID,
		w.UserID,
		w.Currency,
		w.Category,
		w.Balance,
		w.BonusBalance,
		w.LockedBalance,
		w.AllowNegative,
		w.CreditLimit,
		w.LifetimeDeposits,
		w.LifetimeWithdrawals,
		w.LifetimeFees,
		string(w.Status),
		w.CreatedAt,
		w.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, constraintWalletIdentity) {
			return fmt.Errorf("%w: %s/%s/%s/%s", wallet.ErrDuplicateKey, w.TenantID, w.UserID, w.Currency, w.Category)
		}
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

// Get retrieves a wallet by its identity key
func (r *WalletRepository) Get(ctx context.Context, key wallet.Key) (*wallet.Wallet, error) {
	query := `
		SELECT ` + walletColumns + `
		FROM wallets
		WHERE tenant_id = $1 AND user_id = $2 AND currency = $3 AND category = $4
	`

	w, err := scanWallet(r.pool.QueryRow(ctx, query, key.TenantID, key.UserID, key.Currency, key.Category))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wallet.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return w, nil
}

// GetByID retrieves a wallet by id
func (r *WalletRepository) GetByID(ctx context.Context, id uuid.UUID) (*wallet.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1`

	w, err := scanWallet(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wallet.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return w, nil
}

// ListByUser returns all of a user's wallets across currencies and categories
func (r *WalletRepository) ListByUser(ctx context.Context, tenantID, userID string) ([]*wallet.Wallet, error) {
	query := `
		SELECT ` + walletColumns + `
		FROM wallets
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY currency, category
	`

	rows, err := r.pool.Query(ctx, query, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer rows.Close()

	var wallets []*wallet.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating wallets: %w", err)
	}
	return wallets, nil
}

// SetBalances overwrites the projected balances. The write carries no delta
// semantics: whatever the ledger said wins, which is what makes the sync
// idempotent.
func (r *WalletRepository) SetBalances(ctx context.Context, id uuid.UUID, balance, bonus, locked int64) error {
	query := `
		UPDATE wallets
		SET balance = $2, bonus_balance = $3, locked_balance = $4, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, id, balance, bonus, locked)
	if err != nil {
		return fmt.Errorf("failed to set wallet balances: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", wallet.ErrNotFound, id)
	}
	return nil
}

// AddLifetimeCounters applies additive increments atomically in the
// database, so concurrent operations never lose an update.
func (r *WalletRepository) AddLifetimeCounters(ctx context.Context, id uuid.UUID, deposits, withdrawals, fees int64) error {
	query := `
		UPDATE wallets
		SET lifetime_deposits    = lifetime_deposits + $2,
		    lifetime_withdrawals = lifetime_withdrawals + $3,
		    lifetime_fees        = lifetime_fees + $4,
		    updated_at           = NOW()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, id, deposits, withdrawals, fees)
	if err != nil {
		return fmt.Errorf("failed to add lifetime counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", wallet.ErrNotFound, id)
	}
	return nil
}

func scanWallet(row pgx.Row) (*wallet.Wallet, error) {
	var w wallet.Wallet
	var status string

	err := row.Scan(
		&w.ID,
		&w.TenantID,
		&w.UserID,
		&w.Currency,
		&w.Category,
		&w.Balance,
		&w.BonusBalance,
		&w.LockedBalance,
		&w.AllowNegative,
		&w.CreditLimit,
		&w.LifetimeDeposits,
		&w.LifetimeWithdrawals,
		&w.LifetimeFees,
		&status,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Status = wallet.Status(status)
	return &w, nil
}
