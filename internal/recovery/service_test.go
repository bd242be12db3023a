package recovery_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvantpay/tally/internal/recovery"
	"github.com/kvantpay/tally/internal/saga"
	"github.com/kvantpay/tally/pkg/logger"
)

type fakeStore struct {
	mu      sync.Mutex
	states  map[uuid.UUID]*saga.State
	claims  map[uuid.UUID]string
	denyAll bool

	// afterList runs under the lock once ListStuck has built its result,
	// to model state changing between the listing and the claim.
	afterList func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states: make(map[uuid.UUID]*saga.State),
		claims: make(map[uuid.UUID]string),
	}
}

func (s *fakeStore) Save(ctx context.Context, state *saga.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ID] = state.Clone()
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id uuid.UUID) (*saga.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[id]
	if !ok {
		return nil, saga.ErrNotFound
	}
	return state.Clone(), nil
}

func (s *fakeStore) MarkTerminal(ctx context.Context, state *saga.State) error {
	return s.Save(ctx, state)
}

func (s *fakeStore) ListStuck(ctx context.Context, olderThan time.Time) ([]*saga.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*saga.State
	for _, state := range s.states {
		if !state.Status.Terminal() && state.LastHeartbeat.Before(olderThan) {
			out = append(out, state.Clone())
		}
	}
	if s.afterList != nil {
		s.afterList()
	}
	return out, nil
}

func (s *fakeStore) TryClaim(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denyAll {
		return false, nil
	}
	if holder, taken := s.claims[id]; taken && holder != owner {
		return false, nil
	}
	s.claims[id] = owner
	return true, nil
}

func (s *fakeStore) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, id)
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	return nil
}

type recordingJournal struct {
	mu      sync.Mutex
	records []*saga.State
}

func (j *recordingJournal) Record(ctx context.Context, state *saga.State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, state.Clone())
	return nil
}

type countingCompensator struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (c *countingCompensator) OpType() string { return "deposit" }

func (c *countingCompensator) Compensate(ctx context.Context, state *saga.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.calls = append(c.calls, state.ID)
	return nil
}

func (c *countingCompensator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func testLogger() *logger.Logger {
	return logger.New("test", io.Discard)
}

func stuckState(opType string, silentFor time.Duration) *saga.State {
	now := time.Now().UTC()
	return &saga.State{
		ID:            uuid.New(),
		TenantID:      "acme",
		OpType:        opType,
		Status:        saga.StatusInProgress,
		CurrentStep:   "post_ledger",
		Checkpoints:   map[string]string{"external_ref": "ext-1"},
		StartedAt:     now.Add(-silentFor - time.Second),
		LastHeartbeat: now.Add(-silentFor),
	}
}

func newScanner(store saga.Store, comp saga.Compensator, journal saga.Journal) *recovery.Service {
	registry := saga.NewRegistry()
	if comp != nil {
		_ = registry.Register(comp)
	}
	return recovery.NewService(store, registry, journal, testLogger(), nil, 10*time.Millisecond, 30*time.Second)
}

func TestScanOnce_RecoversSilentSaga(t *testing.T) {
	store := newFakeStore()
	comp := &countingCompensator{}
	journal := &recordingJournal{}
	svc := newScanner(store, comp, journal)
	ctx := context.Background()

	state := stuckState("deposit", time.Minute)
	require.NoError(t, store.Save(ctx, state))

	n, err := svc.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, comp.count())

	final, err := store.Get(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusRecovered, final.Status)
	assert.Equal(t, "heartbeat_timeout", final.Error)
	require.NotNil(t, final.FinishedAt)

	require.Len(t, journal.records, 1)
	assert.Equal(t, saga.StatusRecovered, journal.records[0].Status)
}

func TestScanOnce_LeavesHealthyAndTerminalRunsAlone(t *testing.T) {
	store := newFakeStore()
	comp := &countingCompensator{}
	svc := newScanner(store, comp, nil)
	ctx := context.Background()

	healthy := stuckState("deposit", time.Second)
	require.NoError(t, store.Save(ctx, healthy))

	finished := stuckState("deposit", time.Minute)
	finished.Status = saga.StatusCompleted
	require.NoError(t, store.Save(ctx, finished))

	n, err := svc.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, comp.count())

	got, err := store.Get(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusInProgress, got.Status)
}

func TestScanOnce_SkipsClaimedSagas(t *testing.T) {
	store := newFakeStore()
	store.denyAll = true
	comp := &countingCompensator{}
	svc := newScanner(store, comp, nil)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, stuckState("deposit", time.Minute)))

	n, err := svc.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, comp.count())
}

func TestScanOnce_FailedCompensationStaysRetryable(t *testing.T) {
	store := newFakeStore()
	comp := &countingCompensator{err: errors.New("ledger unavailable")}
	svc := newScanner(store, comp, nil)
	ctx := context.Background()

	state := stuckState("deposit", time.Minute)
	require.NoError(t, store.Save(ctx, state))

	n, err := svc.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Still non-terminal: the next scan picks it up again.
	got, err := store.Get(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusInProgress, got.Status)

	comp.err = nil
	n, err = svc.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScanOnce_MissingCompensatorReportsButContinues(t *testing.T) {
	store := newFakeStore()
	svc := newScanner(store, nil, nil)
	ctx := context.Background()

	state := stuckState("deposit", time.Minute)
	require.NoError(t, store.Save(ctx, state))

	n, err := svc.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := store.Get(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusInProgress, got.Status)
}

func TestScanOnce_RunFinishedBetweenListAndClaim(t *testing.T) {
	store := newFakeStore()
	comp := &countingCompensator{}
	svc := newScanner(store, comp, nil)
	ctx := context.Background()

	state := stuckState("deposit", time.Minute)
	require.NoError(t, store.Save(ctx, state))

	// The run finishes right after the listing; the reload under the claim
	// must bail out.
	store.afterList = func() {
		store.states[state.ID].Status = saga.StatusCompensated
	}

	n, err := svc.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, comp.count())
}

func TestStartStop_LoopScans(t *testing.T) {
	store := newFakeStore()
	comp := &countingCompensator{}
	svc := newScanner(store, comp, nil)
	ctx := context.Background()

	state := stuckState("deposit", time.Minute)
	require.NoError(t, store.Save(ctx, state))

	svc.Start(ctx)
	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, state.ID)
		return err == nil && got.Status == saga.StatusRecovered
	}, 2*time.Second, 10*time.Millisecond)
	svc.Stop()

	assert.Equal(t, 1, comp.count())
}
