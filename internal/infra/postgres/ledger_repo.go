package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kvantpay/tally/internal/ledger"
)

const constraintExternalRef = "ledger_transactions_external_ref_key"

// LedgerRepository implements the ledger repository interface using PostgreSQL
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new PostgreSQL ledger repository
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// Account operations

// GetOrCreateAccount atomically inserts an account or returns the existing
// row. INSERT...ON CONFLICT DO NOTHING followed by a SELECT makes concurrent
// first touches of the same identity tuple safe: the loser reads the
// winner's row.
func (r *LedgerRepository) GetOrCreateAccount(ctx context.Context, account *ledger.Account) (*ledger.Account, error) {
	if err := account.Validate(); err != nil {
		return nil, fmt.Errorf("invalid account: %w", err)
	}

	insertQuery := `
		INSERT INTO accounts (id, tenant_id, user_id, subtype, currency, balance, allow_negative, credit_limit, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`

	q := r.getQueryer(ctx)
	_, err := q.Exec(ctx, insertQuery,
		account.ID,
		account.TenantID,
		account.UserID,
		string(account.Subtype),
		account.Currency,
		account.Balance,
		account.AllowNegative,
		account.CreditLimit,
		string(account.Status),
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		return nil, r.wrapErr(err, "failed to insert account")
	}

	// Always SELECT to get the canonical row (ours or the winner's)
	return r.GetAccount(ctx, account.ID)
}

// GetAccount retrieves an account by ID
func (r *LedgerRepository) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	return r.getAccountWithLock(ctx, accountID, false)
}

// GetAccountForUpdate retrieves an account with a row lock (SELECT FOR
// UPDATE). Only meaningful inside a transaction opened with BeginTx; the
// lock is what serializes concurrent postings touching the same account.
func (r *LedgerRepository) GetAccountForUpdate(ctx context.Context, accountID string) (*ledger.Account, error) {
	return r.getAccountWithLock(ctx, accountID, true)
}

func (r *LedgerRepository) getAccountWithLock(ctx context.Context, accountID string, forUpdate bool) (*ledger.Account, error) {
	query := `
		SELECT id, tenant_id, user_id, subtype, currency, balance, allow_negative, credit_limit, status, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	q := r.getQueryer(ctx)
	account, err := scanAccount(q.QueryRow(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, accountID)
		}
		return nil, r.wrapErr(err, "failed to get account")
	}
	return account, nil
}

// UpdateAccountBalance sets the stored balance for an account
func (r *LedgerRepository) UpdateAccountBalance(ctx context.Context, accountID string, balance int64) error {
	query := `
		UPDATE accounts
		SET balance = $2, updated_at = NOW()
		WHERE id = $1
	`

	q := r.getQueryer(ctx)
	tag, err := q.Exec(ctx, query, accountID, balance)
	if err != nil {
		return r.wrapErr(err, "failed to update account balance")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, accountID)
	}
	return nil
}

// NextSequence allocates the next ledger sequence number
func (r *LedgerRepository) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	q := r.getQueryer(ctx)
	if err := q.QueryRow(ctx, "SELECT nextval('ledger_seq')").Scan(&seq); err != nil {
		return 0, r.wrapErr(err, "failed to allocate sequence")
	}
	return seq, nil
}

// Transaction operations

// CreateTransaction inserts a transaction row. A unique violation on the
// (tenant_id, external_ref, charge_role) key maps to
// ledger.ErrDuplicateExternalRef so the service can resolve the replay.
func (r *LedgerRepository) CreateTransaction(ctx context.Context, tx *ledger.Transaction) error {
	metadataJSON, err := marshalMetadata(tx.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO ledger_transactions (id, tenant_id, type, from_account_id, to_account_id, amount, currency, external_ref, charge_role, parent_tx_id, exchange_rate, metadata, initiated_by, status, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	q := r.getQueryer(ctx)
	_, err = q.Exec(ctx, query,
		tx.ID,
		tx.TenantID,
		string(tx.Type),
		tx.FromAccountID,
		tx.ToAccountID,
		tx.Amount,
		tx.Currency,
		tx.ExternalRef,
		string(tx.ChargeRole),
		tx.ParentTxID,
		nullIfEmpty(tx.ExchangeRate),
		metadataJSON,
		tx.InitiatedBy,
		string(tx.Status),
		tx.Sequence,
		tx.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, constraintExternalRef) {
			return fmt.Errorf("%w: %s/%s", ledger.ErrDuplicateExternalRef, tx.ExternalRef, tx.ChargeRole)
		}
		return r.wrapErr(err, "failed to create transaction")
	}
	return nil
}

const transactionColumns = `id, tenant_id, type, from_account_id, to_account_id, amount, currency, external_ref, charge_role, parent_tx_id, exchange_rate, metadata, initiated_by, status, sequence, created_at`

// GetTransaction retrieves a transaction by ID
func (r *LedgerRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*ledger.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE id = $1`

	q := r.getQueryer(ctx)
	tx, err := scanTransaction(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, id)
		}
		return nil, r.wrapErr(err, "failed to get transaction")
	}
	return tx, nil
}

// GetTransactionByExternalRef resolves an accepted reference to its transaction
func (r *LedgerRepository) GetTransactionByExternalRef(ctx context.Context, tenantID, externalRef string, role ledger.ChargeRole) (*ledger.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE tenant_id = $1 AND external_ref = $2 AND charge_role = $3`

	q := r.getQueryer(ctx)
	tx, err := scanTransaction(q.QueryRow(ctx, query, tenantID, externalRef, string(role)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: ref=%s", ledger.ErrTransactionNotFound, externalRef)
		}
		return nil, r.wrapErr(err, "failed to get transaction by external ref")
	}
	return tx, nil
}

// GetReversal returns the transaction that reversed parentTxID, if any
func (r *LedgerRepository) GetReversal(ctx context.Context, parentTxID uuid.UUID) (*ledger.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE parent_tx_id = $1`

	q := r.getQueryer(ctx)
	tx, err := scanTransaction(q.QueryRow(ctx, query, parentTxID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: no reversal for %s", ledger.ErrTransactionNotFound, parentTxID)
		}
		return nil, r.wrapErr(err, "failed to get reversal")
	}
	return tx, nil
}

// MarkTransactionReversed flips a transaction's status to reversed
func (r *LedgerRepository) MarkTransactionReversed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE ledger_transactions
		SET status = 'reversed'
		WHERE id = $1
	`

	q := r.getQueryer(ctx)
	tag, err := q.Exec(ctx, query, id)
	if err != nil {
		return r.wrapErr(err, "failed to mark transaction reversed")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, id)
	}
	return nil
}

// ListTransactions lists transactions with filters and pagination, newest
// first by sequence.
func (r *LedgerRepository) ListTransactions(ctx context.Context, filters ledger.TransactionFilters) ([]*ledger.Transaction, error) {
	qb := sq.Select(transactionColumns).
		From("ledger_transactions").
		PlaceholderFormat(sq.Dollar).
		Where(sq.Eq{"tenant_id": filters.TenantID}).
		OrderBy("sequence DESC")

	if filters.Type != nil {
		qb = qb.Where(sq.Eq{"type": string(*filters.Type)})
	}
	if filters.AccountID != nil {
		qb = qb.Where(sq.Or{
			sq.Eq{"from_account_id": *filters.AccountID},
			sq.Eq{"to_account_id": *filters.AccountID},
		})
	}
	if filters.Status != nil {
		qb = qb.Where(sq.Eq{"status": string(*filters.Status)})
	}
	if filters.FromDate != nil {
		qb = qb.Where(sq.GtOrEq{"created_at": *filters.FromDate})
	}
	if filters.ToDate != nil {
		qb = qb.Where(sq.LtOrEq{"created_at": *filters.ToDate})
	}
	if filters.Limit > 0 {
		qb = qb.Limit(uint64(filters.Limit))
	}
	if filters.Offset > 0 {
		qb = qb.Offset(uint64(filters.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	q := r.getQueryer(ctx)
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, r.wrapErr(err, "failed to query transactions")
	}
	defer rows.Close()

	var transactions []*ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, r.wrapErr(err, "error iterating transactions")
	}

	return transactions, nil
}

// Entry operations

// CreateEntries inserts both legs of a transaction
func (r *LedgerRepository) CreateEntries(ctx context.Context, entries []*ledger.Entry) error {
	query := `
		INSERT INTO ledger_entries (id, transaction_id, account_id, direction, amount, balance_after, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	q := r.getQueryer(ctx)
	for _, entry := range entries {
		_, err := q.Exec(ctx, query,
			entry.ID,
			entry.TransactionID,
			entry.AccountID,
			string(entry.Direction),
			entry.Amount,
			entry.BalanceAfter,
			entry.Sequence,
			entry.CreatedAt,
		)
		if err != nil {
			return r.wrapErr(err, "failed to insert entry")
		}
	}
	return nil
}

// GetEntriesByTransaction retrieves the legs of a transaction, debit first
func (r *LedgerRepository) GetEntriesByTransaction(ctx context.Context, transactionID uuid.UUID) ([]*ledger.Entry, error) {
	query := `
		SELECT id, transaction_id, account_id, direction, amount, balance_after, sequence, created_at
		FROM ledger_entries
		WHERE transaction_id = $1
		ORDER BY CASE WHEN direction = 'debit' THEN 0 ELSE 1 END
	`

	q := r.getQueryer(ctx)
	rows, err := q.Query(ctx, query, transactionID)
	if err != nil {
		return nil, r.wrapErr(err, "failed to query entries")
	}
	defer rows.Close()

	return collectEntries(rows)
}

// GetEntriesByAccount retrieves entries for an account in posting order,
// newest first.
func (r *LedgerRepository) GetEntriesByAccount(ctx context.Context, accountID string, limit int) ([]*ledger.Entry, error) {
	query := `
		SELECT id, transaction_id, account_id, direction, amount, balance_after, sequence, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY sequence DESC
	`
	args := []any{accountID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	q := r.getQueryer(ctx)
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, r.wrapErr(err, "failed to query entries")
	}
	defer rows.Close()

	return collectEntries(rows)
}

// SumEntriesByAccount recomputes an account balance from its entries
func (r *LedgerRepository) SumEntriesByAccount(ctx context.Context, accountID string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(
			CASE
				WHEN direction = 'debit' THEN -amount
				ELSE amount
			END
		), 0)::bigint
		FROM ledger_entries
		WHERE account_id = $1
	`

	var sum int64
	q := r.getQueryer(ctx)
	if err := q.QueryRow(ctx, query, accountID).Scan(&sum); err != nil {
		return 0, r.wrapErr(err, "failed to sum entries")
	}
	return sum, nil
}

// Transaction management using pgx transactions
// Transactions are stored in context using txKey

// ctxKey is the context key for storing database transactions
type ctxKey string

const txContextKey ctxKey = "ledger_tx"

// BeginTx starts a new database transaction and stores it in the context
func (r *LedgerRepository) BeginTx(ctx context.Context) (context.Context, error) {
	// Check if there's already a transaction in progress
	if tx := r.getTxFromContext(ctx); tx != nil {
		return ctx, fmt.Errorf("transaction already in progress")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ctx, r.wrapErr(err, "failed to begin transaction")
	}

	return context.WithValue(ctx, txContextKey, tx), nil
}

// CommitTx commits the database transaction from the context
func (r *LedgerRepository) CommitTx(ctx context.Context) error {
	tx := r.getTxFromContext(ctx)
	if tx == nil {
		return fmt.Errorf("no transaction in context")
	}

	if err := tx.Commit(ctx); err != nil {
		return r.wrapErr(err, "failed to commit transaction")
	}

	return nil
}

// RollbackTx rolls back the database transaction from the context
func (r *LedgerRepository) RollbackTx(ctx context.Context) error {
	tx := r.getTxFromContext(ctx)
	if tx == nil {
		return fmt.Errorf("no transaction in context")
	}

	if err := tx.Rollback(ctx); err != nil {
		// Ignore already rolled back or committed errors
		if errors.Is(err, pgx.ErrTxClosed) {
			return nil
		}
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}

	return nil
}

// getTxFromContext retrieves the transaction from context if one exists
func (r *LedgerRepository) getTxFromContext(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(txContextKey).(pgx.Tx); ok {
		return tx
	}
	return nil
}

// getQueryer returns the transaction if one exists in context, otherwise
// returns the pool. This allows all repository methods to work both inside
// and outside transactions.
func (r *LedgerRepository) getQueryer(ctx context.Context) interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
} {
	if tx := r.getTxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// wrapErr adds context and flags transient driver faults so the service's
// retry loop can tell them apart from deterministic failures.
func (r *LedgerRepository) wrapErr(err error, msg string) error {
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %w", msg, ledger.ErrTransientStorage, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Scan helpers

func scanAccount(row pgx.Row) (*ledger.Account, error) {
	var account ledger.Account
	var subtype, status string
	var creditLimit sql.NullInt64

	err := row.Scan(
		&account.ID,
		&account.TenantID,
		&account.UserID,
		&subtype,
		&account.Currency,
		&account.Balance,
		&account.AllowNegative,
		&creditLimit,
		&status,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	account.Subtype = ledger.AccountSubtype(subtype)
	account.Status = ledger.AccountStatus(status)
	if creditLimit.Valid {
		account.CreditLimit = &creditLimit.Int64
	}
	return &account, nil
}

func scanTransaction(row pgx.Row) (*ledger.Transaction, error) {
	var tx ledger.Transaction
	var txType, chargeRole, status string
	var parentTxID sql.NullString
	var exchangeRate sql.NullString
	var metadataJSON []byte

	err := row.Scan(
		&tx.ID,
		&tx.TenantID,
		&txType,
		&tx.FromAccountID,
		&tx.ToAccountID,
		&tx.Amount,
		&tx.Currency,
		&tx.ExternalRef,
		&chargeRole,
		&parentTxID,
		&exchangeRate,
		&metadataJSON,
		&tx.InitiatedBy,
		&status,
		&tx.Sequence,
		&tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Type = ledger.TransactionType(txType)
	tx.ChargeRole = ledger.ChargeRole(chargeRole)
	tx.Status = ledger.TransactionStatus(status)
	if parentTxID.Valid {
		parsed, err := uuid.Parse(parentTxID.String)
		if err != nil {
			return nil, fmt.Errorf("invalid parent tx id: %w", err)
		}
		tx.ParentTxID = &parsed
	}
	if exchangeRate.Valid {
		tx.ExchangeRate = exchangeRate.String
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &tx, nil
}

func collectEntries(rows pgx.Rows) ([]*ledger.Entry, error) {
	var entries []*ledger.Entry
	for rows.Next() {
		var entry ledger.Entry
		var direction string

		err := rows.Scan(
			&entry.ID,
			&entry.TransactionID,
			&entry.AccountID,
			&direction,
			&entry.Amount,
			&entry.BalanceAfter,
			&entry.Sequence,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entry.Direction = ledger.Direction(direction)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

func marshalMetadata(metadata map[string]string) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(metadata)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
