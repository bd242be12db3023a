package wallet_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvantpay/tally/internal/ledger"
	"github.com/kvantpay/tally/internal/platform/events"
	"github.com/kvantpay/tally/internal/wallet"
	"github.com/kvantpay/tally/pkg/logger"
)

type fakeWalletRepo struct {
	mu      sync.Mutex
	byKey   map[wallet.Key]uuid.UUID
	wallets map[uuid.UUID]*wallet.Wallet
}

func newFakeWalletRepo() *fakeWalletRepo {
	return &fakeWalletRepo{
		byKey:   make(map[wallet.Key]uuid.UUID),
		wallets: make(map[uuid.UUID]*wallet.Wallet),
	}
}

func (f *fakeWalletRepo) Create(ctx context.Context, w *wallet.Wallet) error {
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

func (f *fakeWalletRepo) Get(ctx context.Context, key wallet.Key) (*wallet.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byKey[key]
	if !ok {
		return nil, wallet.ErrNotFound
	}
	cp := *f.wallets[id]
	return &cp, nil
}

func (f *fakeWalletRepo) GetByID(ctx context.Context, id uuid.UUID) (*wallet.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[id]
	if !ok {
		return nil, wallet.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (f *fakeWalletRepo) ListByUser(ctx context.Context, tenantID, userID string) ([]*wallet.Wallet, error) {
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

func (f *fakeWalletRepo) SetBalances(ctx context.Context, id uuid.UUID, balance, bonus, locked int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[id]
	if !ok {
		return wallet.ErrNotFound
	}
	w.Balance = balance
	w.BonusBalance = bonus
	w.LockedBalance = locked
	return nil
}

func (f *fakeWalletRepo) AddLifetimeCounters(ctx context.Context, id uuid.UUID, deposits, withdrawals, fees int64) error {
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

type fakeLedgerReader struct {
	mu       sync.Mutex
	balances map[string]*ledger.UserBalances
	calls    int
	err      error
}

func newFakeLedgerReader() *fakeLedgerReader {
	return &fakeLedgerReader{balances: make(map[string]*ledger.UserBalances)}
}

func (f *fakeLedgerReader) set(tenantID, userID, currency string, b ledger.UserBalances) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[tenantID+"/"+userID+"/"+currency] = &b
}

func (f *fakeLedgerReader) BalancesForUser(ctx context.Context, tenantID, userID, currency string) (*ledger.UserBalances, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if b, ok := f.balances[tenantID+"/"+userID+"/"+currency]; ok {
		cp := *b
		return &cp, nil
	}
	return &ledger.UserBalances{}, nil
}

func testLogger() *logger.Logger {
	return logger.New("test", io.Discard)
}

func newTestService() (*wallet.Service, *fakeWalletRepo, *fakeLedgerReader) {
	repo := newFakeWalletRepo()
	reader := newFakeLedgerReader()
	return wallet.NewService(repo, reader, testLogger()), repo, reader
}

func TestEnsureWallet_CreatesOnFirstReference(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	w, err := svc.EnsureWallet(ctx, wallet.Key{TenantID: "t1", UserID: "u1", Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, "t1", w.TenantID)
	assert.Equal(t, wallet.DefaultCategory, w.Category)
	assert.Equal(t, wallet.StatusActive, w.Status)
	assert.Zero(t, w.Balance)

	again, err := svc.EnsureWallet(ctx, wallet.Key{TenantID: "t1", UserID: "u1", Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, w.ID, again.ID)
	assert.Len(t, repo.wallets, 1)
}

func TestEnsureWallet_AdoptsWinnerOnDuplicate(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	winner := &wallet.Wallet{
		ID:       uuid.New(),
		TenantID: "t1",
		UserID:   "u1",
		Currency: "USD",
		Category: wallet.DefaultCategory,
		Balance:  500,
		Status:   wallet.StatusActive,
	}
	require.NoError(t, repo.Create(ctx, winner))

	w, err := svc.EnsureWallet(ctx, wallet.Key{TenantID: "t1", UserID: "u1", Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, winner.ID, w.ID)
	assert.Equal(t, int64(500), w.Balance)
}

func TestEnsureWallet_RejectsMissingIdentity(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.EnsureWallet(context.Background(), wallet.Key{TenantID: "t1", Currency: "USD"})
	assert.ErrorIs(t, err, wallet.ErrInvalidKey)
}

func TestSyncFromLedger_OverwritesProjection(t *testing.T) {
	svc, _, reader := newTestService()
	ctx := context.Background()

	reader.set("t1", "u1", "USD", ledger.UserBalances{Main: 10000, Bonus: 250, Locked: 400})

	w, err := svc.SyncFromLedger(ctx, wallet.Key{TenantID: "t1", UserID: "u1", Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, int64(10000), w.Balance)
	assert.Equal(t, int64(250), w.BonusBalance)
	assert.Equal(t, int64(400), w.LockedBalance)

	// Idempotent: a second sync lands on the same state.
	w2, err := svc.SyncFromLedger(ctx, wallet.Key{TenantID: "t1", UserID: "u1", Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, w.ID, w2.ID)
	assert.Equal(t, w.Balance, w2.Balance)
	assert.Equal(t, w.BonusBalance, w2.BonusBalance)
	assert.Equal(t, w.LockedBalance, w2.LockedBalance)
}

func TestSyncFromLedger_PropagatesLedgerError(t *testing.T) {
	svc, _, reader := newTestService()
	reader.err = fmt.Errorf("ledger unavailable")

	_, err := svc.SyncFromLedger(context.Background(), wallet.Key{TenantID: "t1", UserID: "u1", Currency: "USD"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger unavailable")
}

func TestAddLifetimeCounters_Accumulates(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	w, err := svc.EnsureWallet(ctx, wallet.Key{TenantID: "t1", UserID: "u1", Currency: "USD"})
	require.NoError(t, err)

	require.NoError(t, svc.AddLifetimeCounters(ctx, w.ID, 1000, 0, 29))
	require.NoError(t, svc.AddLifetimeCounters(ctx, w.ID, 500, 200, 0))

	stored, err := repo.GetByID(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), stored.LifetimeDeposits)
	assert.Equal(t, int64(200), stored.LifetimeWithdrawals)
	assert.Equal(t, int64(29), stored.LifetimeFees)
}

func TestAddLifetimeCounters_SkipsZeroDelta(t *testing.T) {
	svc, _, _ := newTestService()

	// Unknown wallet id, but a zero delta never reaches the repository.
	err := svc.AddLifetimeCounters(context.Background(), uuid.New(), 0, 0, 0)
	assert.NoError(t, err)
}

func TestUserBalances_ListsAllCurrencies(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.EnsureWallet(ctx, wallet.Key{TenantID: "t1", UserID: "u1", Currency: "USD"})
	require.NoError(t, err)
	_, err = svc.EnsureWallet(ctx, wallet.Key{TenantID: "t1", UserID: "u1", Currency: "EUR"})
	require.NoError(t, err)
	_, err = svc.EnsureWallet(ctx, wallet.Key{TenantID: "t1", UserID: "u2", Currency: "USD"})
	require.NoError(t, err)

	wallets, err := svc.UserBalances(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Len(t, wallets, 2)
}

func TestBulkBalances_PreservesInputOrder(t *testing.T) {
	svc, _, reader := newTestService()
	ctx := context.Background()

	users := []string{"u1", "u2", "u3", "u4", "u5"}
	for i, u := range users {
		reader.set("t1", u, "USD", ledger.UserBalances{Main: int64(i+1) * 100})
		_, err := svc.SyncFromLedger(ctx, wallet.Key{TenantID: "t1", UserID: u, Currency: "USD"})
		require.NoError(t, err)
	}

	wallets, err := svc.BulkBalances(ctx, "t1", users, "USD")
	require.NoError(t, err)
	require.Len(t, wallets, len(users))
	for i, w := range wallets {
		assert.Equal(t, users[i], w.UserID)
		assert.Equal(t, int64(i+1)*100, w.Balance)
	}
}

func TestProjector_SyncsBothParticipants(t *testing.T) {
	svc, _, reader := newTestService()
	proj := wallet.NewProjector(svc, testLogger())
	ctx := context.Background()

	reader.set("t1", "alice", "USD", ledger.UserBalances{Main: 7000})
	reader.set("t1", "bob", "USD", ledger.UserBalances{Main: 3000})

	err := proj.HandleLedgerEvent(ctx, events.LedgerCompleted{
		TenantID:   "t1",
		TxID:       uuid.NewString(),
		Type:       "transfer",
		FromUserID: "alice",
		ToUserID:   "bob",
		Currency:   "USD",
		Amount:     3000,
	})
	require.NoError(t, err)

	alice, err := svc.ReadBalance(ctx, wallet.Key{TenantID: "t1", UserID: "alice", Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, int64(7000), alice.Balance)

	bob, err := svc.ReadBalance(ctx, wallet.Key{TenantID: "t1", UserID: "bob", Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, int64(3000), bob.Balance)
}

func TestProjector_SelfTransferSyncsOnce(t *testing.T) {
	svc, _, reader := newTestService()
	proj := wallet.NewProjector(svc, testLogger())
	ctx := context.Background()

	reader.set("t1", "alice", "USD", ledger.UserBalances{Main: 100})
	err := proj.HandleLedgerEvent(ctx, events.LedgerCompleted{
		TenantID:   "t1",
		Type:       "transfer",
		FromUserID: "alice",
		ToUserID:   "alice",
		Currency:   "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, reader.calls)
}
