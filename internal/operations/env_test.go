package operations_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kvantpay/tally/internal/idempotency"
	"github.com/kvantpay/tally/internal/ledger"
	"github.com/kvantpay/tally/internal/operations"
	"github.com/kvantpay/tally/internal/platform/events"
	"github.com/kvantpay/tally/internal/saga"
	"github.com/kvantpay/tally/internal/transfer"
	"github.com/kvantpay/tally/internal/wallet"
	"github.com/kvantpay/tally/pkg/logger"
)

// =============================================================================
// In-memory ledger repository
// =============================================================================

type ledgerTxKey struct{}

type memLedgerRepo struct {
	mu       sync.Mutex
	accounts map[string]*ledger.Account
	txs      map[uuid.UUID]*ledger.Transaction
	refs     map[string]uuid.UUID
	entries  []*ledger.Entry
	seq      int64

	snap *ledgerSnapshot
}

type ledgerSnapshot struct {
	accounts map[string]*ledger.Account
	txs      map[uuid.UUID]*ledger.Transaction
	refs     map[string]uuid.UUID
	entries  []*ledger.Entry
	seq      int64
}

func newMemLedgerRepo() *memLedgerRepo {
	return &memLedgerRepo{
		accounts: make(map[string]*ledger.Account),
		txs:      make(map[uuid.UUID]*ledger.Transaction),
		refs:     make(map[string]uuid.UUID),
	}
}

func ledgerRefKey(tenantID, ref string, role ledger.ChargeRole) string {
	return tenantID + "|" + ref + "|" + string(role)
}

func (f *memLedgerRepo) lockUnlessInTx(ctx context.Context) func() {
	if ctx.Value(ledgerTxKey{}) != nil {
		return func() {}
	}
	f.mu.Lock()
	return f.mu.Unlock
}

func (f *memLedgerRepo) BeginTx(ctx context.Context) (context.Context, error) {
	f.mu.Lock()
	snap := &ledgerSnapshot{
		accounts: make(map[string]*ledger.Account, len(f.accounts)),
		txs:      make(map[uuid.UUID]*ledger.Transaction, len(f.txs)),
		refs:     make(map[string]uuid.UUID, len(f.refs)),
		entries:  append([]*ledger.Entry(nil), f.entries...),
		seq:      f.seq,
	}
	for id, a := range f.accounts {
		cp := *a
		snap.accounts[id] = &cp
	}
	for id, tx := range f.txs {
		cp := *tx
		snap.txs[id] = &cp
	}
	for k, v := range f.refs {
		snap.refs[k] = v
	}
	f.snap = snap
	return context.WithValue(ctx, ledgerTxKey{}, true), nil
}

func (f *memLedgerRepo) CommitTx(ctx context.Context) error {
	f.snap = nil
	f.mu.Unlock()
	return nil
}

func (f *memLedgerRepo) RollbackTx(ctx context.Context) error {
	if f.snap != nil {
		f.accounts = f.snap.accounts
		f.txs = f.snap.txs
		f.refs = f.snap.refs
		f.entries = f.snap.entries
		f.seq = f.snap.seq
		f.snap = nil
	}
	f.mu.Unlock()
	return nil
}

func (f *memLedgerRepo) GetOrCreateAccount(ctx context.Context, account *ledger.Account) (*ledger.Account, error) {
	defer f.lockUnlessInTx(ctx)()
	if existing, ok := f.accounts[account.ID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *account
	f.accounts[account.ID] = &cp
	out := cp
	return &out, nil
}

func (f *memLedgerRepo) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	defer f.lockUnlessInTx(ctx)()
	account, ok := f.accounts[accountID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	cp := *account
	return &cp, nil
}

func (f *memLedgerRepo) GetAccountForUpdate(ctx context.Context, accountID string) (*ledger.Account, error) {
	return f.GetAccount(ctx, accountID)
}

func (f *memLedgerRepo) UpdateAccountBalance(ctx context.Context, accountID string, balance int64) error {
	defer f.lockUnlessInTx(ctx)()
	account, ok := f.accounts[accountID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	account.Balance = balance
	return nil
}

func (f *memLedgerRepo) NextSequence(ctx context.Context) (int64, error) {
	defer f.lockUnlessInTx(ctx)()
	f.seq++
	return f.seq, nil
}

func (f *memLedgerRepo) CreateTransaction(ctx context.Context, tx *ledger.Transaction) error {
	defer f.lockUnlessInTx(ctx)()
	key := ledgerRefKey(tx.TenantID, tx.ExternalRef, tx.ChargeRole)
	if _, taken := f.refs[key]; taken {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateExternalRef, tx.ExternalRef)
	}
	f.refs[key] = tx.ID
	cp := *tx
	f.txs[tx.ID] = &cp
	return nil
}

func (f *memLedgerRepo) GetTransaction(ctx context.Context, id uuid.UUID) (*ledger.Transaction, error) {
	defer f.lockUnlessInTx(ctx)()
	tx, ok := f.txs[id]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (f *memLedgerRepo) GetTransactionByExternalRef(ctx context.Context, tenantID, externalRef string, role ledger.ChargeRole) (*ledger.Transaction, error) {
	defer f.lockUnlessInTx(ctx)()
	id, ok := f.refs[ledgerRefKey(tenantID, externalRef, role)]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	cp := *f.txs[id]
	return &cp, nil
}

func (f *memLedgerRepo) GetReversal(ctx context.Context, parentTxID uuid.UUID) (*ledger.Transaction, error) {
	defer f.lockUnlessInTx(ctx)()
	for _, tx := range f.txs {
		if tx.ParentTxID != nil && *tx.ParentTxID == parentTxID {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, ledger.ErrTransactionNotFound
}

func (f *memLedgerRepo) MarkTransactionReversed(ctx context.Context, id uuid.UUID) error {
	defer f.lockUnlessInTx(ctx)()
	tx, ok := f.txs[id]
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	tx.Status = ledger.TransactionStatusReversed
	return nil
}

func (f *memLedgerRepo) ListTransactions(ctx context.Context, filters ledger.TransactionFilters) ([]*ledger.Transaction, error) {
	defer f.lockUnlessInTx(ctx)()
	var out []*ledger.Transaction
	for _, tx := range f.txs {
		if filters.TenantID != "" && tx.TenantID != filters.TenantID {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	return out, nil
}

func (f *memLedgerRepo) CreateEntries(ctx context.Context, entries []*ledger.Entry) error {
	defer f.lockUnlessInTx(ctx)()
	for _, e := range entries {
		cp := *e
		f.entries = append(f.entries, &cp)
	}
	return nil
}

func (f *memLedgerRepo) GetEntriesByTransaction(ctx context.Context, transactionID uuid.UUID) ([]*ledger.Entry, error) {
	defer f.lockUnlessInTx(ctx)()
	var out []*ledger.Entry
	for _, e := range f.entries {
		if e.TransactionID == transactionID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *memLedgerRepo) GetEntriesByAccount(ctx context.Context, accountID string, limit int) ([]*ledger.Entry, error) {
	defer f.lockUnlessInTx(ctx)()
	var out []*ledger.Entry
	for _, e := range f.entries {
		if e.AccountID == accountID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *memLedgerRepo) SumEntriesByAccount(ctx context.Context, accountID string) (int64, error) {
	defer f.lockUnlessInTx(ctx)()
	var sum int64
	for _, e := range f.entries {
		if e.AccountID == accountID {
			sum += e.SignedAmount()
		}
	}
	return sum, nil
}

func (f *memLedgerRepo) balance(accountID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[accountID]; ok {
		return a.Balance
	}
	return 0
}

// =============================================================================
// In-memory transfer repository
// =============================================================================

type memTransferRepo struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*transfer.Transfer
	byRef map[string]uuid.UUID
}

func newMemTransferRepo() *memTransferRepo {
	return &memTransferRepo{
		rows:  make(map[uuid.UUID]*transfer.Transfer),
		byRef: make(map[string]uuid.UUID),
	}
}

func transferRefKey(tenantID, ref string) string { return tenantID + "|" + ref }

func (f *memTransferRepo) Create(ctx context.Context, t *transfer.Transfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := transferRefKey(t.TenantID, t.ExternalRef)
	if _, taken := f.byRef[key]; taken {
		return fmt.Errorf("%w: %s", transfer.ErrDuplicateRef, t.ExternalRef)
	}
	cp := *t
	f.byRef[key] = t.ID
	f.rows[t.ID] = &cp
	return nil
}

func (f *memTransferRepo) Get(ctx context.Context, id uuid.UUID) (*transfer.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	if !ok {
		return nil, transfer.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *memTransferRepo) GetByExternalRef(ctx context.Context, tenantID, externalRef string) (*transfer.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byRef[transferRefKey(tenantID, externalRef)]
	if !ok {
		return nil, transfer.ErrNotFound
	}
	cp := *f.rows[id]
	return &cp, nil
}

func (f *memTransferRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to transfer.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	if !ok {
		return transfer.ErrNotFound
	}
	if t.Status != from {
		if t.Status == to {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s (currently %s)", transfer.ErrInvalidTransition, from, to, t.Status)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", transfer.ErrInvalidTransition, from, to)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *memTransferRepo) LinkTransactions(ctx context.Context, id uuid.UUID, debitTxID, creditTxID, feeTxID *uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	if !ok {
		return transfer.ErrNotFound
	}
	if debitTxID != nil {
		t.DebitTxID = debitTxID
	}
	if creditTxID != nil {
		t.CreditTxID = creditTxID
	}
	if feeTxID != nil {
		t.FeeTxID = feeTxID
	}
	return nil
}

func (f *memTransferRepo) ListByUser(ctx context.Context, tenantID, userID string, limit int) ([]*transfer.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*transfer.Transfer
	for _, t := range f.rows {
		if t.TenantID == tenantID && (t.FromUserID == userID || t.ToUserID == userID) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// =============================================================================
// In-memory wallet repository (with failure injection for sync)
// =============================================================================

type memWalletRepo struct {
	mu      sync.Mutex
	byKey   map[wallet.Key]uuid.UUID
	wallets map[uuid.UUID]*wallet.Wallet

	setBalancesErr error
}

func newMemWalletRepo() *memWalletRepo {
	return &memWalletRepo{
		byKey:   make(map[wallet.Key]uuid.UUID),
		wallets: make(map[uuid.UUID]*wallet.Wallet),
	}
}

func (f *memWalletRepo) Create(ctx context.Context, w *wallet.Wallet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := wallet.Key{TenantID: w.TenantID, UserID: w.UserID, Currency: w.Currency, Category: w.Category}
	if _, ok := f.byKey[key]; ok {
		return wallet.ErrDuplicateKey
	}
	cp := *w
	f.byKey[key] = w.ID
	f.wallets[w.ID] = &cp
	return nil
}

func (f *memWalletRepo) Get(ctx context.Context, key wallet.Key) (*wallet.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byKey[key]
	if !ok {
		return nil, wallet.ErrNotFound
	}
	cp := *f.wallets[id]
	return &cp, nil
}

func (f *memWalletRepo) GetByID(ctx context.Context, id uuid.UUID) (*wallet.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[id]
	if !ok {
		return nil, wallet.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (f *memWalletRepo) ListByUser(ctx context.Context, tenantID, userID string) ([]*wallet.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*wallet.Wallet
	for _, w := range f.wallets {
		if w.TenantID == tenantID && w.UserID == userID {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *memWalletRepo) SetBalances(ctx context.Context, id uuid.UUID, balance, bonus, locked int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setBalancesErr != nil {
		return f.setBalancesErr
	}
	w, ok := f.wallets[id]
	if !ok {
		return wallet.ErrNotFound
	}
	w.Balance = balance
	w.BonusBalance = bonus
	w.LockedBalance = locked
	return nil
}

func (f *memWalletRepo) AddLifetimeCounters(ctx context.Context, id uuid.UUID, deposits, withdrawals, fees int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[id]
	if !ok {
		return wallet.ErrNotFound
	}
	w.LifetimeDeposits += deposits
	w.LifetimeWithdrawals += withdrawals
	w.LifetimeFees += fees
	return nil
}

func (f *memWalletRepo) failSync(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setBalancesErr = err
}

// =============================================================================
// In-memory saga store
// =============================================================================

type memSagaStore struct {
	mu     sync.Mutex
	states map[uuid.UUID]*saga.State
}

func newMemSagaStore() *memSagaStore {
	return &memSagaStore{states: make(map[uuid.UUID]*saga.State)}
}

func (s *memSagaStore) Save(ctx context.Context, state *saga.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ID] = state.Clone()
	return nil
}

func (s *memSagaStore) Get(ctx context.Context, id uuid.UUID) (*saga.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[id]
	if !ok {
		return nil, saga.ErrNotFound
	}
	return state.Clone(), nil
}

func (s *memSagaStore) MarkTerminal(ctx context.Context, state *saga.State) error {
	return s.Save(ctx, state)
}

func (s *memSagaStore) ListStuck(ctx context.Context, olderThan time.Time) ([]*saga.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*saga.State
	for _, state := range s.states {
		if !state.Status.Terminal() && state.LastHeartbeat.Before(olderThan) {
			out = append(out, state.Clone())
		}
	}
	return out, nil
}

func (s *memSagaStore) TryClaim(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (s *memSagaStore) ReleaseClaim(ctx context.Context, id uuid.UUID) error { return nil }

func (s *memSagaStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	return nil
}

// =============================================================================
// Oracles, rates, publisher
// =============================================================================

type staticOracle struct {
	policies map[string]ledger.AccountPolicy
}

func (o *staticOracle) AccountPolicy(ctx context.Context, tenantID, userID string) (ledger.AccountPolicy, error) {
	if p, ok := o.policies[userID]; ok {
		return p, nil
	}
	return ledger.AccountPolicy{}, nil
}

type staticRates struct {
	rates map[string]decimal.Decimal
}

func (r *staticRates) Rate(ctx context.Context, src, dst string) (decimal.Decimal, error) {
	if rate, ok := r.rates[src+":"+dst]; ok {
		return rate, nil
	}
	return decimal.Decimal{}, fmt.Errorf("no rate for %s:%s", src, dst)
}

type capturingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *capturingPublisher) Publish(ctx context.Context, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

// =============================================================================
// Environment
// =============================================================================

type opsEnv struct {
	svc       *operations.Service
	ledger    *ledger.Service
	ledgers   *memLedgerRepo
	transfers *memTransferRepo
	wallets   *memWalletRepo
	walletSvc *wallet.Service
	store     *memSagaStore
	oracle    *staticOracle
	rates     *staticRates
	pub       *capturingPublisher
}

type envOption func(*operations.Deps)

func withUseTransaction(v bool) envOption {
	return func(d *operations.Deps) { d.UseTransaction = v }
}

func withFees(rates map[string]int64, defaultBps int64) envOption {
	return func(d *operations.Deps) { d.Fees = operations.NewFeePolicy(rates, defaultBps) }
}

func newOpsEnv(t *testing.T, opts ...envOption) *opsEnv {
	t.Helper()
	log := logger.New("test", io.Discard)

	env := &opsEnv{
		ledgers:   newMemLedgerRepo(),
		transfers: newMemTransferRepo(),
		wallets:   newMemWalletRepo(),
		store:     newMemSagaStore(),
		oracle:    &staticOracle{policies: map[string]ledger.AccountPolicy{}},
		rates:     &staticRates{rates: map[string]decimal.Decimal{}},
		pub:       &capturingPublisher{},
	}

	env.ledger = ledger.NewService(env.ledgers, events.Noop{}, log, 3)
	env.walletSvc = wallet.NewService(env.wallets, env.ledger, log)
	coordinator := saga.NewCoordinator(env.store, saga.NoopJournal{}, log, nil, time.Second, 3)

	deps := operations.Deps{
		Ledger:      env.ledger,
		Wallets:     env.walletSvc,
		Transfers:   env.transfers,
		Guard:       idempotency.NewGuard(env.transfers),
		Coordinator: coordinator,
		Oracle:      env.oracle,
		Rates:       env.rates,
		Publisher:   env.pub,
		Metrics:     nil,
		Fees:        operations.NewFeePolicy(map[string]int64{"deposit": 290, "withdrawal": 290}, 0),
		Logger:      log,

		SystemUserID:      "system",
		FeeUserID:         "fee_collector",
		IdempotencyWindow: 120 * time.Second,
		UseTransaction:    true,
		OperationDeadline: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	env.svc = operations.NewService(deps)
	return env
}

// mainAccountID shortens balance assertions.
func mainAccountID(tenantID, userID, currency string) string {
	return ledger.AccountID(tenantID, userID, ledger.SubtypeMain, currency)
}

func seedLedgerBalance(t *testing.T, env *opsEnv, tenantID, userID, currency string, balance int64, policy ledger.AccountPolicy) {
	t.Helper()
	account := &ledger.Account{
		ID:            mainAccountID(tenantID, userID, currency),
		TenantID:      tenantID,
		UserID:        userID,
		Subtype:       ledger.SubtypeMain,
		Currency:      currency,
		Balance:       balance,
		AllowNegative: policy.AllowNegative,
		CreditLimit:   policy.CreditLimit,
		Status:        ledger.AccountStatusActive,
	}
	_, err := env.ledgers.GetOrCreateAccount(context.Background(), account)
	require.NoError(t, err)
}
