package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kvantpay/tally/internal/platform/events"
	"github.com/kvantpay/tally/pkg/logger"
)

const retryBaseBackoff = 50 * time.Millisecond

// Service is the only writer of account balances. Every movement goes
// through Post, which holds the ACID boundary the rest of the system relies
// on: accounts, entries, transaction record and balances commit together or
// not at all.
type Service struct {
	repo       Repository
	publisher  events.Publisher
	logger     *logger.Logger
	committer  *postCommitter
	maxRetries int
}

// NewService creates a new ledger service. maxRetries bounds the total
// posting attempts for transient storage faults; values below 1 are raised
// to 1.
func NewService(repo Repository, publisher events.Publisher, log *logger.Logger, maxRetries int) *Service {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Service{
		repo:       repo,
		publisher:  publisher,
		logger:     log,
		committer:  newPostCommitter(repo),
		maxRetries: maxRetries,
	}
}

// PostResult carries the posted transaction and whether it was adopted from
// a previous accepted request with the same external reference.
type PostResult struct {
	Transaction *Transaction
	Replayed    bool
}

// GetOrCreateAccount returns the account for the identity tuple, creating it
// with the given policy on first reference. Creation races are safe: the
// loser reads the winner's row, keeping the winner's policy.
func (s *Service) GetOrCreateAccount(ctx context.Context, tenantID, userID string, subtype AccountSubtype, currency string, policy AccountPolicy) (*Account, error) {
	now := time.Now().UTC()
	candidate := &Account{
		ID:            AccountID(tenantID, userID, subtype, currency),
		TenantID:      tenantID,
		UserID:        userID,
		Subtype:       subtype,
		Currency:      currency,
		AllowNegative: policy.AllowNegative,
		CreditLimit:   policy.CreditLimit,
		Status:        AccountStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := candidate.Validate(); err != nil {
		return nil, err
	}
	return s.repo.GetOrCreateAccount(ctx, candidate)
}

// GetAccount retrieves an account by id
func (s *Service) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	return s.repo.GetAccount(ctx, accountID)
}

// GetBalance returns the authorization-grade balance for an account.
// Available balance subtracts the user's locked subtype account in the same
// currency.
func (s *Service) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	account, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var locked int64
	lockedID := AccountID(account.TenantID, account.UserID, SubtypeLocked, account.Currency)
	if lockedID != account.ID {
		lockedAccount, err := s.repo.GetAccount(ctx, lockedID)
		switch {
		case err == nil:
			locked = lockedAccount.Balance
		case errors.Is(err, ErrAccountNotFound):
			// never referenced: nothing locked
		default:
			return nil, err
		}
	}

	return &Balance{
		AccountID: account.ID,
		Balance:   account.Balance,
		Available: account.Balance - locked,
		Currency:  account.Currency,
	}, nil
}

// BalancesForUser reads the per-subtype balances the wallet projection
// mirrors. Missing accounts read as zero.
func (s *Service) BalancesForUser(ctx context.Context, tenantID, userID, currency string) (*UserBalances, error) {
	balances := &UserBalances{}
	for _, target := range []struct {
		subtype AccountSubtype
		dest    *int64
	}{
		{SubtypeMain, &balances.Main},
		{SubtypeBonus, &balances.Bonus},
		{SubtypeLocked, &balances.Locked},
	} {
		account, err := s.repo.GetAccount(ctx, AccountID(tenantID, userID, target.subtype, currency))
		switch {
		case err == nil:
			*target.dest = account.Balance
		case errors.Is(err, ErrAccountNotFound):
			// zero
		default:
			return nil, err
		}
	}
	return balances, nil
}

// Post records one double-entry movement. Duplicate external references
// resolve to an idempotent replay when the stored movement matches the
// request, and to ErrConflictingReplay when it does not. Transient storage
// faults are retried with bounded backoff.
func (s *Service) Post(ctx context.Context, req PostRequest) (*PostResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.postWithRetry(ctx, req, nil)
}

// PostGroup records several movements in one ACID unit: all commit or none
// do. Used for composite operations (main movement plus fee, or a conversion
// pair) when the caller wants a single storage transaction instead of
// step-by-step posting. A duplicate reference anywhere in the group rolls
// the whole group back and resolves every movement as a replay.
func (s *Service) PostGroup(ctx context.Context, reqs []PostRequest) ([]*PostResult, error) {
	if len(reqs) == 0 {
		return nil, errors.New("empty posting group")
	}
	for i := range reqs {
		if err := reqs[i].Validate(); err != nil {
			return nil, fmt.Errorf("movement %d: %w", i, err)
		}
	}

	var lastErr error
	backoff := retryBaseBackoff

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		committed, err := s.committer.commitGroup(ctx, reqs)
		if err == nil {
			results := make([]*PostResult, len(committed))
			for i, res := range committed {
				s.publishCommitted(ctx, res)
				results[i] = &PostResult{Transaction: res.tx}
			}
			return results, nil
		}

		if errors.Is(err, ErrDuplicateExternalRef) {
			return s.resolveGroupReplay(ctx, reqs)
		}

		if !errors.Is(err, ErrTransientStorage) {
			return nil, err
		}

		lastErr = err
		s.logger.WithContext(ctx).WithError(err).Warn("retrying ledger group post after transient storage fault",
			"attempt", attempt,
			"movements", len(reqs),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("group posting failed after %d attempts: %w", s.maxRetries, lastErr)
}

// Reverse records a symmetric transaction undoing txID and flips the parent
// to reversed within the same ACID unit. Calling it again returns the
// existing reversal, which is what makes saga compensation safe to repeat.
func (s *Service) Reverse(ctx context.Context, txID uuid.UUID, reason, initiatedBy string) (*Transaction, error) {
	original, err := s.repo.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	if original.Status == TransactionStatusReversed {
		reversal, err := s.repo.GetReversal(ctx, txID)
		if err != nil {
			return nil, fmt.Errorf("transaction %s marked reversed but reversal missing: %w", txID, err)
		}
		return reversal, nil
	}

	parentID := original.ID
	req := PostRequest{
		TenantID:      original.TenantID,
		Type:          TypeRefund,
		FromAccountID: original.ToAccountID,
		ToAccountID:   original.FromAccountID,
		Amount:        original.Amount,
		Currency:      original.Currency,
		ExternalRef:   reversalRef(txID),
		ChargeRole:    original.ChargeRole,
		InitiatedBy:   initiatedBy,
		Metadata:      map[string]string{"reason": reason},
		ParentTxID:    &parentID,
		ExchangeRate:  original.ExchangeRate,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	result, err := s.postWithRetry(ctx, req, &parentID)
	if err != nil {
		return nil, err
	}
	return result.Transaction, nil
}

// GetTransaction retrieves a transaction by ID
func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

// GetTransactionByExternalRef resolves a reference to its accepted
// transaction, if any.
func (s *Service) GetTransactionByExternalRef(ctx context.Context, tenantID, externalRef string, role ChargeRole) (*Transaction, error) {
	return s.repo.GetTransactionByExternalRef(ctx, tenantID, externalRef, role)
}

// ListTransactions lists transactions with filters
func (s *Service) ListTransactions(ctx context.Context, filters TransactionFilters) ([]*Transaction, error) {
	return s.repo.ListTransactions(ctx, filters)
}

// GetEntriesByTransaction returns both legs of a transaction
func (s *Service) GetEntriesByTransaction(ctx context.Context, txID uuid.UUID) ([]*Entry, error) {
	return s.repo.GetEntriesByTransaction(ctx, txID)
}

// ReconcileAccount verifies that the stored balance equals the signed sum of
// all entries. A mismatch means the ACID boundary was violated somewhere and
// is always a bug.
func (s *Service) ReconcileAccount(ctx context.Context, accountID string) error {
	account, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	calculated, err := s.repo.SumEntriesByAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to calculate balance from entries: %w", err)
	}
	if account.Balance != calculated {
		return fmt.Errorf("balance mismatch for %s: stored=%d, calculated=%d", accountID, account.Balance, calculated)
	}
	return nil
}

func (s *Service) postWithRetry(ctx context.Context, req PostRequest, reverseOf *uuid.UUID) (*PostResult, error) {
	var lastErr error
	backoff := retryBaseBackoff

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		result, err := s.committer.commit(ctx, req, reverseOf)
		if err == nil {
			s.publishCommitted(ctx, result)
			return &PostResult{Transaction: result.tx}, nil
		}

		if errors.Is(err, ErrDuplicateExternalRef) {
			return s.resolveReplay(ctx, req)
		}

		if !errors.Is(err, ErrTransientStorage) {
			return nil, err
		}

		lastErr = err
		s.logger.WithContext(ctx).WithError(err).Warn("retrying ledger post after transient storage fault",
			"attempt", attempt,
			"external_ref", req.ExternalRef,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("posting failed after %d attempts: %w", s.maxRetries, lastErr)
}

// resolveReplay handles a unique-index conflict: someone else already
// accepted this reference. A matching posted occupant is an idempotent
// success; anything else, including a reversed occupant, burns the reference.
func (s *Service) resolveReplay(ctx context.Context, req PostRequest) (*PostResult, error) {
	existing, err := s.repo.GetTransactionByExternalRef(ctx, req.TenantID, req.ExternalRef, req.ChargeRole)
	if err != nil {
		return nil, fmt.Errorf("failed to load conflicting transaction: %w", err)
	}
	if existing.Status == TransactionStatusPosted && existing.Matches(req) {
		return &PostResult{Transaction: existing, Replayed: true}, nil
	}
	return nil, fmt.Errorf("%w: ref=%s role=%s", ErrConflictingReplay, req.ExternalRef, req.ChargeRole)
}

// resolveGroupReplay handles a duplicate reference inside a group. Groups
// commit atomically, so a prior accepted group left every movement posted:
// each request must find its matching occupant or the whole group conflicts.
func (s *Service) resolveGroupReplay(ctx context.Context, reqs []PostRequest) ([]*PostResult, error) {
	results := make([]*PostResult, len(reqs))
	for i := range reqs {
		result, err := s.resolveReplay(ctx, reqs[i])
		if err != nil {
			return nil, fmt.Errorf("movement %d: %w", i, err)
		}
		results[i] = result
	}
	return results, nil
}

func (s *Service) publishCommitted(ctx context.Context, result *commitResult) {
	event := events.LedgerCompleted{
		TenantID:      result.tx.TenantID,
		TxID:          result.tx.ID.String(),
		Type:          string(result.tx.Type),
		FromAccountID: result.from.ID,
		ToAccountID:   result.to.ID,
		FromUserID:    result.from.UserID,
		ToUserID:      result.to.UserID,
		Currency:      result.tx.Currency,
		Amount:        result.tx.Amount,
		Timestamp:     result.tx.CreatedAt,
	}
	if err := s.publisher.Publish(ctx, events.LedgerTopic(string(result.tx.Type)), event); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("ledger event publish failed",
			"tx_id", result.tx.ID.String(),
			"type", result.tx.Type,
		)
	}
}

// reversalRef derives the deterministic reference a reversal posts under, so
// repeated compensation of the same transaction replays instead of
// double-reversing.
func reversalRef(txID uuid.UUID) string {
	return "rev:" + txID.String()
}

type commitResult struct {
	tx   *Transaction
	from *Account
	to   *Account
}

// postCommitter runs the posting algorithm inside one storage transaction.
type postCommitter struct {
	repo Repository
}

func newPostCommitter(repo Repository) *postCommitter {
	return &postCommitter{repo: repo}
}

func (c *postCommitter) commit(ctx context.Context, req PostRequest, reverseOf *uuid.UUID) (*commitResult, error) {
	txCtx, err := c.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Rollback on any error - ignore rollback errors as the commit failed anyway
			_ = c.repo.RollbackTx(txCtx)
		}
	}()

	result, err := c.commitMovement(txCtx, req, reverseOf)
	if err != nil {
		return nil, err
	}

	if err := c.repo.CommitTx(txCtx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	committed = true
	return result, nil
}

// commitGroup posts every movement inside one storage transaction.
func (c *postCommitter) commitGroup(ctx context.Context, reqs []PostRequest) ([]*commitResult, error) {
	txCtx, err := c.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = c.repo.RollbackTx(txCtx)
		}
	}()

	results := make([]*commitResult, len(reqs))
	for i := range reqs {
		result, err := c.commitMovement(txCtx, reqs[i], nil)
		if err != nil {
			return nil, fmt.Errorf("movement %d: %w", i, err)
		}
		results[i] = result
	}

	if err := c.repo.CommitTx(txCtx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	committed = true
	return results, nil
}

// commitMovement runs the posting algorithm against an already-open storage
// transaction. The caller owns commit and rollback.
func (c *postCommitter) commitMovement(txCtx context.Context, req PostRequest, reverseOf *uuid.UUID) (*commitResult, error) {
	from, to, err := c.lockAccounts(txCtx, req.FromAccountID, req.ToAccountID)
	if err != nil {
		return nil, err
	}

	if from.Currency != to.Currency || from.Currency != req.Currency {
		return nil, fmt.Errorf("%w: from=%s to=%s requested=%s", ErrMismatchedCurrency, from.Currency, to.Currency, req.Currency)
	}
	if from.IsClosed() || to.IsClosed() {
		return nil, ErrAccountClosed
	}

	newFrom := from.Balance - req.Amount
	if newFrom < 0 && !from.AllowNegative {
		return nil, fmt.Errorf("%w: account=%s balance=%d requested=%d", ErrInsufficientFunds, from.ID, from.Balance, req.Amount)
	}
	if from.CreditLimit != nil && newFrom < -*from.CreditLimit {
		return nil, fmt.Errorf("%w: account=%s limit=%d would_be=%d", ErrCreditLimitExceeded, from.ID, *from.CreditLimit, newFrom)
	}
	newTo := to.Balance + req.Amount

	sequence, err := c.repo.NextSequence(txCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate sequence: %w", err)
	}

	now := time.Now().UTC()
	tx := &Transaction{
		ID:            uuid.New(),
		TenantID:      req.TenantID,
		Type:          req.Type,
		FromAccountID: from.ID,
		ToAccountID:   to.ID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		ExternalRef:   req.ExternalRef,
		ChargeRole:    req.ChargeRole,
		ParentTxID:    req.ParentTxID,
		ExchangeRate:  req.ExchangeRate,
		Metadata:      req.Metadata,
		InitiatedBy:   req.InitiatedBy,
		Status:        TransactionStatusPosted,
		Sequence:      sequence,
		CreatedAt:     now,
	}

	if err := c.repo.CreateTransaction(txCtx, tx); err != nil {
		return nil, err
	}

	// Debit before credit: the canonical entry order within a transaction.
	entries := []*Entry{
		{
			ID:            uuid.New(),
			TransactionID: tx.ID,
			AccountID:     from.ID,
			Direction:     DirectionDebit,
			Amount:        req.Amount,
			BalanceAfter:  newFrom,
			Sequence:      sequence,
			CreatedAt:     now,
		},
		{
			ID:            uuid.New(),
			TransactionID: tx.ID,
			AccountID:     to.ID,
			Direction:     DirectionCredit,
			Amount:        req.Amount,
			BalanceAfter:  newTo,
			Sequence:      sequence,
			CreatedAt:     now,
		},
	}
	if err := c.repo.CreateEntries(txCtx, entries); err != nil {
		return nil, fmt.Errorf("failed to create entries: %w", err)
	}

	if err := c.repo.UpdateAccountBalance(txCtx, from.ID, newFrom); err != nil {
		return nil, fmt.Errorf("failed to update source balance: %w", err)
	}
	if err := c.repo.UpdateAccountBalance(txCtx, to.ID, newTo); err != nil {
		return nil, fmt.Errorf("failed to update destination balance: %w", err)
	}

	if reverseOf != nil {
		if err := c.repo.MarkTransactionReversed(txCtx, *reverseOf); err != nil {
			return nil, fmt.Errorf("failed to mark parent reversed: %w", err)
		}
	}

	return &commitResult{tx: tx, from: from, to: to}, nil
}

// lockAccounts acquires both row locks in deterministic id order so that two
// opposing transfers cannot deadlock each other.
func (c *postCommitter) lockAccounts(ctx context.Context, fromID, toID string) (*Account, *Account, error) {
	firstID, secondID := fromID, toID
	if secondID < firstID {
		firstID, secondID = secondID, firstID
	}

	first, err := c.repo.GetAccountForUpdate(ctx, firstID)
	if err != nil {
		return nil, nil, err
	}
	second, err := c.repo.GetAccountForUpdate(ctx, secondID)
	if err != nil {
		return nil, nil, err
	}

	if first.ID == fromID {
		return first, second, nil
	}
	return second, first, nil
}
