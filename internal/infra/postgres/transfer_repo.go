package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kvantpay/tally/internal/transfer"
)

const constraintTransferRef = "transfers_external_ref_key"

// TransferRepository implements the transfer repository on PostgreSQL
type TransferRepository struct {
	pool *pgxpool.Pool
}

// NewTransferRepository creates a new PostgreSQL transfer repository
func NewTransferRepository(pool *pgxpool.Pool) *TransferRepository {
	return &TransferRepository{pool: pool}
}

const transferColumns = `id, tenant_id, op_type, from_user_id, to_user_id, amount, fee_amount, currency, dest_currency, status, debit_tx_id, credit_tx_id, fee_tx_id, external_ref, metadata, saga_id, created_at, updated_at`

// Create inserts a transfer row. A unique violation on (tenant_id,
// external_ref) maps to transfer.ErrDuplicateRef so the operation layer can
// adopt the winner.
func (r *TransferRepository) Create(ctx context.Context, t *transfer.Transfer) error {
	metadataJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if t.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	query := `
		INSERT INTO transfers (` + transferColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err = r.pool.Exec(ctx, query,
		t.ID,
		t.TenantID,
		string(t.OpType),
		t.FromUserID,
		t.ToUserID,
		t.Amount,
		t.FeeAmount,
		t.Currency,
		nullIfEmpty(t.DestCurrency),
		string(t.Status),
		t.DebitTxID,
		t.CreditTxID,
		t.FeeTxID,
		t.ExternalRef,
		metadataJSON,
		t.SagaID,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, constraintTransferRef) {
			return fmt.Errorf("%w: %s", transfer.ErrDuplicateRef, t.ExternalRef)
		}
		return fmt.Errorf("failed to create transfer: %w", err)
	}
	return nil
}

// Get retrieves a transfer by id
func (r *TransferRepository) Get(ctx context.Context, id uuid.UUID) (*transfer.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`

	t, err := scanTransfer(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", transfer.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return t, nil
}

// GetByExternalRef resolves the idempotency key to its transfer, if any
func (r *TransferRepository) GetByExternalRef(ctx context.Context, tenantID, externalRef string) (*transfer.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE tenant_id = $1 AND external_ref = $2`

	t, err := scanTransfer(r.pool.QueryRow(ctx, query, tenantID, externalRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: ref=%s", transfer.ErrNotFound, externalRef)
		}
		return nil, fmt.Errorf("failed to get transfer by external ref: %w", err)
	}
	return t, nil
}

// UpdateStatus applies a monotonic transition. The WHERE clause on the
// current status makes concurrent transitions race-safe: the condition
// either holds and the row moves, or someone else already moved it.
func (r *TransferRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to transfer.Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", transfer.ErrInvalidTransition, from, to)
	}

	query := `
		UPDATE transfers
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`

	tag, err := r.pool.Exec(ctx, query, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("failed to update transfer status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, getErr := r.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if current.Status == to {
			// someone else already applied this transition
			return nil
		}
		return fmt.Errorf("%w: %s -> %s (currently %s)", transfer.ErrInvalidTransition, from, to, current.Status)
	}
	return nil
}

// LinkTransactions records the posted ledger transaction ids. Only non-nil
// ids overwrite, so partial progress accumulates.
func (r *TransferRepository) LinkTransactions(ctx context.Context, id uuid.UUID, debitTxID, creditTxID, feeTxID *uuid.UUID) error {
	query := `
		UPDATE transfers
		SET debit_tx_id  = COALESCE($2, debit_tx_id),
		    credit_tx_id = COALESCE($3, credit_tx_id),
		    fee_tx_id    = COALESCE($4, fee_tx_id),
		    updated_at   = NOW()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, id, debitTxID, creditTxID, feeTxID)
	if err != nil {
		return fmt.Errorf("failed to link transactions: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", transfer.ErrNotFound, id)
	}
	return nil
}

// ListByUser returns the transfers a user participated in, newest first
func (r *TransferRepository) ListByUser(ctx context.Context, tenantID, userID string, limit int) ([]*transfer.Transfer, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE tenant_id = $1 AND (from_user_id = $2 OR to_user_id = $2)
		ORDER BY created_at DESC
	`
	args := []any{tenantID, userID}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*transfer.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfers: %w", err)
	}
	return transfers, nil
}

func scanTransfer(row pgx.Row) (*transfer.Transfer, error) {
	var t transfer.Transfer
	var opType, status string
	var destCurrency sql.NullString
	var debitTxID, creditTxID, feeTxID, sagaID sql.NullString
	var metadataJSON []byte

	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&opType,
		&t.FromUserID,
		&t.ToUserID,
		&t.Amount,
		&t.FeeAmount,
		&t.Currency,
		&destCurrency,
		&status,
		&debitTxID,
		&creditTxID,
		&feeTxID,
		&t.ExternalRef,
		&metadataJSON,
		&sagaID,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.OpType = transfer.OpType(opType)
	t.Status = transfer.Status(status)
	if destCurrency.Valid {
		t.DestCurrency = destCurrency.String
	}
	for _, link := range []struct {
		raw  sql.NullString
		dest **uuid.UUID
	}{
		{debitTxID, &t.DebitTxID},
		{creditTxID, &t.CreditTxID},
		{feeTxID, &t.FeeTxID},
		{sagaID, &t.SagaID},
	} {
		if !link.raw.Valid {
			continue
		}
		parsed, err := uuid.Parse(link.raw.String)
		if err != nil {
			return nil, fmt.Errorf("invalid linked id: %w", err)
		}
		*link.dest = &parsed
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &t, nil
}
