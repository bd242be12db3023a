package operations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kvantpay/tally/internal/idempotency"
	"github.com/kvantpay/tally/internal/ledger"
	"github.com/kvantpay/tally/internal/platform/events"
	"github.com/kvantpay/tally/internal/saga"
	"github.com/kvantpay/tally/internal/transfer"
	"github.com/kvantpay/tally/internal/wallet"
	"github.com/kvantpay/tally/pkg/money"
)

// Checkpoint keys persisted into saga state. The recovery compensator reads
// these to undo a run whose worker died, so their names are part of the
// stored format.
const (
	ckExternalRef = "external_ref"
	ckFromUser    = "from_user_id"
	ckToUser      = "to_user_id"
	ckCurrency    = "currency"
	ckDebitTx     = "debit_tx_id"
	ckCreditTx    = "credit_tx_id"
	ckFeeTx       = "fee_tx_id"
	ckTransfer    = "transfer_id"
)

const compensationReason = "saga compensation"

// opState accumulates what the steps of one run produce. Steps run
// sequentially, so no locking is needed; the coordinator snapshots
// checkpoints between steps on the same goroutine.
type opState struct {
	n     *normalized
	quote FeeQuote

	fromAcct *ledger.Account
	toAcct   *ledger.Account
	feeAcct  *ledger.Account

	// conversion legs, cross-currency only
	convSrcAcct *ledger.Account
	convDstAcct *ledger.Account
	rate        decimal.Decimal
	converted   int64

	debitTx  *ledger.Transaction
	creditTx *ledger.Transaction
	feeTx    *ledger.Transaction

	transfer *transfer.Transfer
	prior    *transfer.Transfer
	replayed bool
}

// checkpoints is the saga snapshot: enough for a recoverer to compensate.
func (st *opState) checkpoints() map[string]string {
	cp := map[string]string{
		ckExternalRef: st.n.ExternalRef,
		ckFromUser:    st.n.FromUserID,
		ckToUser:      st.n.ToUserID,
		ckCurrency:    st.n.Currency,
	}
	if st.debitTx != nil {
		cp[ckDebitTx] = st.debitTx.ID.String()
	}
	if st.creditTx != nil && (st.debitTx == nil || st.creditTx.ID != st.debitTx.ID) {
		cp[ckCreditTx] = st.creditTx.ID.String()
	}
	if st.feeTx != nil {
		cp[ckFeeTx] = st.feeTx.ID.String()
	}
	if st.transfer != nil {
		cp[ckTransfer] = st.transfer.ID.String()
	}
	return cp
}

func (s *Service) buildSteps(st *opState) []saga.Step {
	return []saga.Step{
		{Name: "compute_fee", Critical: true, Execute: func(ctx context.Context) error {
			return s.computeFee(st)
		}},
		{Name: "derive_idempotency_key", Critical: true, Execute: func(ctx context.Context) error {
			return s.deriveKey(st)
		}},
		{Name: "guard_duplicate", Critical: true, Execute: func(ctx context.Context) error {
			return s.guardDuplicate(ctx, st)
		}},
		{Name: "ensure_accounts", Critical: true, Execute: func(ctx context.Context) error {
			return s.ensureAccounts(ctx, st)
		}},
		{
			Name:     "post_ledger",
			Critical: true,
			// Without a storage transaction the group posts one by one; a
			// failure mid-group must still reverse the posts already on the
			// books.
			CompensateOnFailure: true,
			Execute: func(ctx context.Context) error {
				return s.postLedger(ctx, st)
			},
			Compensate: func(ctx context.Context) error {
				return s.reversePosted(ctx, st)
			},
		},
		{
			Name:     "persist_transfer",
			Critical: true,
			Execute: func(ctx context.Context) error {
				return s.persistTransfer(ctx, st)
			},
			Compensate: func(ctx context.Context) error {
				return s.cancelTransfer(ctx, st)
			},
		},
		{
			Name:     "sync_wallets",
			Critical: true,
			Execute: func(ctx context.Context) error {
				return s.syncWallets(ctx, st)
			},
			// Re-running the sync after reversals is the undo: the
			// projection overwrites itself from ledger truth.
			Compensate: func(ctx context.Context) error {
				return s.resyncWallets(ctx, st)
			},
		},
		{Name: "emit_event", Critical: false, Execute: func(ctx context.Context) error {
			return s.emitEvent(ctx, st)
		}},
	}
}

func (s *Service) computeFee(st *opState) error {
	quote, err := s.deps.Fees.Quote(st.n.OpType, st.n.Method, st.n.Amount)
	if err != nil {
		return err
	}
	st.quote = quote
	return nil
}

func (s *Service) deriveKey(st *opState) error {
	if st.n.ExternalRef != "" {
		return nil
	}
	st.n.ExternalRef = idempotency.DeriveKey(idempotency.Params{
		TenantID:   st.n.TenantID,
		FromUserID: st.n.FromUserID,
		ToUserID:   st.n.ToUserID,
		Amount:     st.n.Amount,
		Currency:   st.n.Currency,
		Method:     st.n.Method,
		OpType:     string(st.n.OpType),
	}, time.Now(), s.deps.IdempotencyWindow)
	return nil
}

func (s *Service) guardDuplicate(ctx context.Context, st *opState) error {
	prior, err := s.deps.Guard.Check(ctx, st.n.TenantID, st.n.ExternalRef)
	if err != nil {
		if errors.Is(err, idempotency.ErrDuplicateOperation) {
			s.deps.Metrics.ObserveDuplicateGuard(string(st.n.OpType))
		}
		return err
	}
	if prior != nil {
		st.prior = prior
		s.deps.Metrics.ObserveDuplicateGuard(string(st.n.OpType))
		return fmt.Errorf("reference %s already settled: %w", st.n.ExternalRef, saga.ErrHalt)
	}
	return nil
}

func (s *Service) ensureAccounts(ctx context.Context, st *opState) error {
	n := st.n

	sourcePolicy, err := s.sourcePolicy(ctx, n)
	if err != nil {
		return err
	}

	st.fromAcct, err = s.deps.Ledger.GetOrCreateAccount(ctx, n.TenantID, n.FromUserID, ledger.SubtypeMain, n.Currency, sourcePolicy)
	if err != nil {
		return fmt.Errorf("source account: %w", err)
	}

	destCurrency := n.Currency
	if n.crossCurrency() {
		destCurrency = n.DestCurrency
	}
	st.toAcct, err = s.deps.Ledger.GetOrCreateAccount(ctx, n.TenantID, n.ToUserID, ledger.SubtypeMain, destCurrency, s.wellKnownPolicy(n.ToUserID))
	if err != nil {
		return fmt.Errorf("destination account: %w", err)
	}

	st.feeAcct, err = s.deps.Ledger.GetOrCreateAccount(ctx, n.TenantID, s.deps.FeeUserID, ledger.SubtypeMain, n.Currency, ledger.AccountPolicy{})
	if err != nil {
		return fmt.Errorf("fee account: %w", err)
	}

	if !n.crossCurrency() {
		return nil
	}

	st.rate, err = s.deps.Rates.Rate(ctx, n.Currency, n.DestCurrency)
	if err != nil {
		return fmt.Errorf("%w: %s:%s", ErrUnknownRate, n.Currency, n.DestCurrency)
	}
	st.converted, err = money.Convert(st.quote.Net, st.rate, n.Currency, n.DestCurrency)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// The tenant's conversion accounts bridge the two currencies; they hold
	// the system's float and may run negative.
	st.convSrcAcct, err = s.deps.Ledger.GetOrCreateAccount(ctx, n.TenantID, s.deps.SystemUserID, ledger.SubtypeConversion, n.Currency, ledger.AccountPolicy{AllowNegative: true})
	if err != nil {
		return fmt.Errorf("conversion source account: %w", err)
	}
	st.convDstAcct, err = s.deps.Ledger.GetOrCreateAccount(ctx, n.TenantID, s.deps.SystemUserID, ledger.SubtypeConversion, n.DestCurrency, ledger.AccountPolicy{AllowNegative: true})
	if err != nil {
		return fmt.Errorf("conversion destination account: %w", err)
	}
	return nil
}

// sourcePolicy resolves the posting policy for the paying side. The system
// user funds deposits and may always run negative; everyone else gets the
// oracle's answer, frozen into the account at creation.
func (s *Service) sourcePolicy(ctx context.Context, n *normalized) (ledger.AccountPolicy, error) {
	if n.FromUserID == s.deps.SystemUserID {
		return ledger.AccountPolicy{AllowNegative: true}, nil
	}
	policy, err := s.deps.Oracle.AccountPolicy(ctx, n.TenantID, n.FromUserID)
	if err != nil {
		return ledger.AccountPolicy{}, fmt.Errorf("permission lookup: %w", err)
	}
	return policy, nil
}

func (s *Service) wellKnownPolicy(userID string) ledger.AccountPolicy {
	if userID == s.deps.SystemUserID {
		return ledger.AccountPolicy{AllowNegative: true}
	}
	return ledger.AccountPolicy{}
}

// postLedger posts the movement(s): a single same-currency transaction or a
// conversion pair, plus the fee transaction when a fee applies. With
// UseTransaction enabled the whole group is one storage transaction.
func (s *Service) postLedger(ctx context.Context, st *opState) error {
	reqs := s.buildPostRequests(st)

	var results []*ledger.PostResult
	var err error
	if s.deps.UseTransaction {
		results, err = s.deps.Ledger.PostGroup(ctx, reqs)
		if err == nil {
			for i, res := range results {
				st.recordPost(i, res)
			}
		}
	} else {
		for i := range reqs {
			var res *ledger.PostResult
			res, err = s.deps.Ledger.Post(ctx, reqs[i])
			if err != nil {
				break
			}
			// Each commit is recorded as it lands: when a later post in the
			// group fails, the step's compensation and a recovering worker
			// both need the ids of the movements already on the books.
			st.recordPost(i, res)
			results = append(results, res)
		}
	}
	if err != nil {
		s.deps.Metrics.ObserveLedgerPost(string(reqs[0].Type), "failed")
		return err
	}

	for i, res := range results {
		outcome := "posted"
		if res.Replayed {
			outcome = "replayed"
			st.replayed = true
		}
		s.deps.Metrics.ObserveLedgerPost(string(reqs[i].Type), outcome)
	}
	return nil
}

// recordPost maps the i-th result of buildPostRequests back onto the state.
// Same order as built: conversion pair or single movement, fee last.
func (st *opState) recordPost(i int, res *ledger.PostResult) {
	if st.n.crossCurrency() {
		switch i {
		case 0:
			st.debitTx = res.Transaction
		case 1:
			st.creditTx = res.Transaction
		case 2:
			st.feeTx = res.Transaction
		}
		return
	}
	switch i {
	case 0:
		st.debitTx = res.Transaction
		st.creditTx = res.Transaction
	case 1:
		st.feeTx = res.Transaction
	}
}

func (s *Service) buildPostRequests(st *opState) []ledger.PostRequest {
	n := st.n
	var reqs []ledger.PostRequest

	if n.crossCurrency() {
		rate := st.rate.String()
		reqs = append(reqs,
			ledger.PostRequest{
				TenantID:      n.TenantID,
				Type:          ledger.TypeConversion,
				FromAccountID: st.fromAcct.ID,
				ToAccountID:   st.convSrcAcct.ID,
				Amount:        st.quote.Net,
				Currency:      n.Currency,
				ExternalRef:   n.ExternalRef + ":src",
				ChargeRole:    ledger.ChargeRoleDebit,
				InitiatedBy:   n.InitiatedBy,
				Metadata:      n.Metadata,
				ExchangeRate:  rate,
			},
			ledger.PostRequest{
				TenantID:      n.TenantID,
				Type:          ledger.TypeConversion,
				FromAccountID: st.convDstAcct.ID,
				ToAccountID:   st.toAcct.ID,
				Amount:        st.converted,
				Currency:      n.DestCurrency,
				ExternalRef:   n.ExternalRef + ":dst",
				ChargeRole:    ledger.ChargeRoleCredit,
				InitiatedBy:   n.InitiatedBy,
				Metadata:      n.Metadata,
				ExchangeRate:  rate,
			},
		)
	} else {
		reqs = append(reqs, ledger.PostRequest{
			TenantID:      n.TenantID,
			Type:          ledger.TransactionType(n.OpType),
			FromAccountID: st.fromAcct.ID,
			ToAccountID:   st.toAcct.ID,
			Amount:        st.quote.Net,
			Currency:      n.Currency,
			ExternalRef:   n.ExternalRef,
			ChargeRole:    ledger.ChargeRoleDebit,
			InitiatedBy:   n.InitiatedBy,
			Metadata:      n.Metadata,
		})
	}

	if st.quote.Fee > 0 {
		reqs = append(reqs, ledger.PostRequest{
			TenantID:      n.TenantID,
			Type:          ledger.TypeFee,
			FromAccountID: st.fromAcct.ID,
			ToAccountID:   st.feeAcct.ID,
			Amount:        st.quote.Fee,
			Currency:      n.Currency,
			ExternalRef:   n.ExternalRef,
			ChargeRole:    ledger.ChargeRoleFee,
			InitiatedBy:   n.InitiatedBy,
		})
	}
	return reqs
}

// reversePosted undoes the ledger movements, newest first: fee, then credit
// leg, then debit leg. Reversals post under deterministic refs, so running
// this twice is harmless.
func (s *Service) reversePosted(ctx context.Context, st *opState) error {
	var txs []*ledger.Transaction
	if st.feeTx != nil {
		txs = append(txs, st.feeTx)
	}
	if st.creditTx != nil && (st.debitTx == nil || st.creditTx.ID != st.debitTx.ID) {
		txs = append(txs, st.creditTx)
	}
	if st.debitTx != nil {
		txs = append(txs, st.debitTx)
	}

	var firstErr error
	for _, tx := range txs {
		if _, err := s.deps.Ledger.Reverse(ctx, tx.ID, compensationReason, "saga"); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("reverse %s: %w", tx.ID, err)
			}
		}
	}
	return firstErr
}

func (s *Service) persistTransfer(ctx context.Context, st *opState) error {
	n := st.n
	now := time.Now().UTC()

	tr := &transfer.Transfer{
		ID:           uuid.New(),
		TenantID:     n.TenantID,
		OpType:       n.OpType,
		FromUserID:   n.FromUserID,
		ToUserID:     n.ToUserID,
		Amount:       n.Amount,
		FeeAmount:    st.quote.Fee,
		Currency:     n.Currency,
		DestCurrency: n.DestCurrency,
		Status:       transfer.StatusActive,
		ExternalRef:  n.ExternalRef,
		Metadata:     n.Metadata,
		SagaID:       sagaIDFromContext(ctx),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if st.debitTx != nil {
		tr.DebitTxID = &st.debitTx.ID
	}
	if st.creditTx != nil {
		tr.CreditTxID = &st.creditTx.ID
	}
	if st.feeTx != nil {
		tr.FeeTxID = &st.feeTx.ID
	}

	if err := s.deps.Transfers.Create(ctx, tr); err != nil {
		if errors.Is(err, transfer.ErrDuplicateRef) {
			// A concurrent caller with the same reference won the insert;
			// the ledger already collapsed the postings, adopt their row.
			winner, getErr := s.deps.Transfers.GetByExternalRef(ctx, n.TenantID, n.ExternalRef)
			if getErr != nil {
				return fmt.Errorf("failed to adopt winning transfer: %w", getErr)
			}
			st.transfer = winner
			st.replayed = true
			return nil
		}
		return err
	}

	st.transfer = tr
	return nil
}

func (s *Service) cancelTransfer(ctx context.Context, st *opState) error {
	if st.transfer == nil {
		return nil
	}
	current, err := s.deps.Transfers.Get(ctx, st.transfer.ID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		st.transfer.Status = current.Status
		return nil
	}
	if err := s.deps.Transfers.UpdateStatus(ctx, st.transfer.ID, current.Status, transfer.StatusCancelled); err != nil {
		return err
	}
	st.transfer.Status = transfer.StatusCancelled
	return nil
}

// syncWallets refreshes the projections of both human participants and
// applies lifetime counters, then promotes the transfer to completed.
func (s *Service) syncWallets(ctx context.Context, st *opState) error {
	if err := s.syncParticipants(ctx, st); err != nil {
		return err
	}

	if err := s.applyLifetimeCounters(ctx, st); err != nil {
		return err
	}

	if st.transfer.Status == transfer.StatusActive {
		if err := s.deps.Transfers.UpdateStatus(ctx, st.transfer.ID, transfer.StatusActive, transfer.StatusCompleted); err != nil {
			return fmt.Errorf("failed to complete transfer %s: %w", st.transfer.ID, err)
		}
		st.transfer.Status = transfer.StatusCompleted
	}

	return nil
}

func (s *Service) resyncWallets(ctx context.Context, st *opState) error {
	return s.syncParticipants(ctx, st)
}

func (s *Service) syncParticipants(ctx context.Context, st *opState) error {
	n := st.n
	for _, p := range s.participants(n) {
		if _, err := s.deps.Wallets.SyncFromLedger(ctx, wallet.Key{
			TenantID: n.TenantID,
			UserID:   p.userID,
			Currency: p.currency,
		}); err != nil {
			return fmt.Errorf("wallet sync for %s: %w", p.userID, err)
		}
	}
	return nil
}

type participant struct {
	userID   string
	currency string
}

// participants lists the human parties whose projections move. The system
// and fee-collector parties have no wallet.
func (s *Service) participants(n *normalized) []participant {
	destCurrency := n.Currency
	if n.crossCurrency() {
		destCurrency = n.DestCurrency
	}

	var out []participant
	if !s.isInternalUser(n.FromUserID) {
		out = append(out, participant{userID: n.FromUserID, currency: n.Currency})
	}
	if !s.isInternalUser(n.ToUserID) && !(n.ToUserID == n.FromUserID && destCurrency == n.Currency) {
		out = append(out, participant{userID: n.ToUserID, currency: destCurrency})
	}
	return out
}

func (s *Service) isInternalUser(userID string) bool {
	return userID == s.deps.SystemUserID || userID == s.deps.FeeUserID
}

// applyLifetimeCounters bumps the advisory counters on the affected wallets.
func (s *Service) applyLifetimeCounters(ctx context.Context, st *opState) error {
	n := st.n

	credited := st.quote.Net
	if n.crossCurrency() {
		credited = st.converted
	}

	type delta struct {
		userID      string
		currency    string
		deposits    int64
		withdrawals int64
		fees        int64
	}
	var deltas []delta

	switch n.OpType {
	case transfer.OpDeposit:
		deltas = append(deltas, delta{userID: n.ToUserID, currency: walletCurrency(n), deposits: credited})
	case transfer.OpWithdrawal:
		deltas = append(deltas, delta{userID: n.FromUserID, currency: n.Currency, withdrawals: st.quote.Net, fees: st.quote.Fee})
	case transfer.OpTransfer:
		deltas = append(deltas, delta{userID: n.FromUserID, currency: n.Currency, fees: st.quote.Fee})
	}

	for _, d := range deltas {
		if s.isInternalUser(d.userID) {
			continue
		}
		w, err := s.deps.Wallets.EnsureWallet(ctx, wallet.Key{TenantID: n.TenantID, UserID: d.userID, Currency: d.currency})
		if err != nil {
			return err
		}
		if err := s.deps.Wallets.AddLifetimeCounters(ctx, w.ID, d.deposits, d.withdrawals, d.fees); err != nil {
			return err
		}
	}
	return nil
}

func walletCurrency(n *normalized) string {
	if n.crossCurrency() {
		return n.DestCurrency
	}
	return n.Currency
}

func (s *Service) emitEvent(ctx context.Context, st *opState) error {
	n := st.n

	subjectUser := n.ToUserID
	subjectAccount := st.toAcct
	if n.OpType == transfer.OpWithdrawal {
		subjectUser = n.FromUserID
		subjectAccount = st.fromAcct
	}

	event := events.WalletOpCompleted{
		TenantID:   n.TenantID,
		UserID:     subjectUser,
		Currency:   walletCurrency(n),
		Amount:     st.quote.Net,
		AccountID:  subjectAccount.ID,
		TxID:       st.debitTx.ID.String(),
		TransferID: st.transfer.ID.String(),
		OpType:     string(n.OpType),
		Timestamp:  time.Now().UTC(),
	}
	return s.deps.Publisher.Publish(ctx, events.WalletTopic(string(n.OpType)), event)
}
