package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kvantpay/tally/internal/platform/metrics"
	"github.com/kvantpay/tally/internal/saga"
	"github.com/kvantpay/tally/pkg/logger"
)

// reasonHeartbeatTimeout is recorded on every saga this scanner adopts.
const reasonHeartbeatTimeout = "heartbeat_timeout"

// maxConcurrentRecoveries bounds how many stuck sagas one scan compensates in
// parallel. Recovery competes with live traffic for the same accounts.
const maxConcurrentRecoveries = 4

// Service scans the heartbeat store for saga runs whose worker died and
// compensates them through the registry. Multiple instances may scan
// concurrently; the per-saga claim keeps them from double-compensating.
type Service struct {
	store     saga.Store
	registry  *saga.Registry
	journal   saga.Journal
	logger    *logger.Logger
	metrics   *metrics.Metrics
	owner     string
	scanEvery time.Duration
	threshold time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a recovery scanner. scanEvery is the loop interval;
// threshold is how long a heartbeat must be silent before the run counts as
// stuck.
func NewService(store saga.Store, registry *saga.Registry, journal saga.Journal, log *logger.Logger, m *metrics.Metrics, scanEvery, threshold time.Duration) *Service {
	if journal == nil {
		journal = saga.NoopJournal{}
	}
	host, _ := os.Hostname()
	return &Service{
		store:     store,
		registry:  registry,
		journal:   journal,
		logger:    log.WithField("component", "recovery"),
		metrics:   m,
		owner:     fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
		scanEvery: scanEvery,
		threshold: threshold,
	}
}

// Start launches the scan loop. It returns immediately; Stop blocks until the
// loop drains.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.scanEvery)
		defer ticker.Stop()

		s.logger.Info("recovery scanner started",
			"scan_interval", s.scanEvery.String(),
			"stuck_threshold", s.threshold.String(),
		)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := s.ScanOnce(runCtx); err != nil {
					s.logger.WithError(err).Error("recovery scan failed")
				}
			}
		}
	}()
}

// Stop terminates the scan loop and waits for an in-flight scan to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// ScanOnce runs a single scan pass and returns how many sagas it recovered.
func (s *Service) ScanOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.threshold)
	stuck, err := s.store.ListStuck(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stuck sagas: %w", err)
	}
	s.metrics.SetStuckSagas(len(stuck))
	if len(stuck) == 0 {
		return 0, nil
	}

	s.logger.Warn("found stuck sagas", "count", len(stuck))

	var recovered atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRecoveries)
	for _, state := range stuck {
		g.Go(func() error {
			ok, err := s.recoverOne(gctx, state)
			if err != nil {
				// One bad saga must not stall the rest of the scan.
				s.logger.WithError(err).Error("saga recovery failed", "saga_id", state.ID.String())
				return nil
			}
			if ok {
				recovered.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(recovered.Load()), nil
}

// recoverOne claims, compensates and retires a single stuck saga. A failed
// compensation leaves the state non-terminal so the next scan retries it;
// compensators are idempotent, so partial progress is safe.
func (s *Service) recoverOne(ctx context.Context, state *saga.State) (bool, error) {
	claimed, err := s.store.TryClaim(ctx, state.ID, s.owner, s.threshold)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if !claimed {
		return false, nil
	}
	defer func() {
		if err := s.store.ReleaseClaim(context.WithoutCancel(ctx), state.ID); err != nil {
			s.logger.WithError(err).Warn("failed to release recovery claim", "saga_id", state.ID.String())
		}
	}()

	// The run may have finished between the listing and the claim.
	current, err := s.store.Get(ctx, state.ID)
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("reload: %w", err)
	}
	if current.Status.Terminal() {
		return false, nil
	}

	log := s.logger.WithField("saga_id", current.ID.String()).WithField("op_type", current.OpType)
	log.Warn("recovering stuck saga",
		"last_heartbeat", current.LastHeartbeat.Format(time.RFC3339),
		"current_step", current.CurrentStep,
	)

	if err := s.registry.Compensate(ctx, current); err != nil {
		return false, fmt.Errorf("compensate: %w", err)
	}

	now := time.Now().UTC()
	current.Status = saga.StatusRecovered
	current.Error = reasonHeartbeatTimeout
	current.FinishedAt = &now
	current.LastHeartbeat = now
	if err := s.store.MarkTerminal(ctx, current); err != nil {
		log.WithError(err).Warn("failed to persist recovered state")
	}
	if err := s.journal.Record(ctx, current); err != nil {
		log.WithError(err).Warn("saga journal write failed")
	}

	s.metrics.ObserveRecovered()
	log.Info("saga recovered")
	return true, nil
}
