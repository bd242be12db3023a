package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kvantpay/tally/internal/platform/metrics"
	"github.com/kvantpay/tally/pkg/logger"
)

const (
	defaultHeartbeat    = 5 * time.Second
	compensationBackoff = 100 * time.Millisecond
	// Compensation keeps its own budget: it must finish even when the
	// request that triggered it is long gone.
	compensationTimeout = 2 * time.Minute
)

// Coordinator executes saga runs: steps forward, compensation in reverse on
// critical failure, with state heartbeats so a recoverer can adopt the run
// if this process dies mid-flight.
type Coordinator struct {
	store      Store
	journal    Journal
	logger     *logger.Logger
	metrics    *metrics.Metrics
	heartbeat  time.Duration
	maxRetries int
}

// NewCoordinator creates a saga coordinator. heartbeat is the state refresh
// interval; maxRetries bounds per-step compensation attempts.
func NewCoordinator(store Store, journal Journal, log *logger.Logger, m *metrics.Metrics, heartbeat time.Duration, maxRetries int) *Coordinator {
	if journal == nil {
		journal = NoopJournal{}
	}
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Coordinator{
		store:      store,
		journal:    journal,
		logger:     log.WithField("component", "saga"),
		metrics:    m,
		heartbeat:  heartbeat,
		maxRetries: maxRetries,
	}
}

// activeRun guards the state shared between the step loop and the heartbeat
// goroutine.
type activeRun struct {
	mu    sync.Mutex
	state *State
}

func (r *activeRun) mutate(fn func(*State)) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.state)
	return r.state.Clone()
}

func (r *activeRun) snapshot() *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// Execute runs the saga to completion or through compensation. The returned
// error wraps ErrCompensated (rollback succeeded) or ErrCompensationFailed
// (manual intervention) together with the step error that caused it, so
// callers can still match the underlying failure.
func (c *Coordinator) Execute(ctx context.Context, run Run) (*State, error) {
	now := time.Now().UTC()
	state := &State{
		ID:            uuid.New(),
		TenantID:      run.TenantID,
		OpType:        run.OpType,
		Status:        StatusPending,
		Steps:         make([]StepState, len(run.Steps)),
		StartedAt:     now,
		LastHeartbeat: now,
	}
	for i, step := range run.Steps {
		state.Steps[i] = StepState{Name: step.Name, Critical: step.Critical, Status: StepPending}
	}

	ctx = context.WithValue(ctx, logger.SagaIDKey, state.ID.String())
	log := c.logger.WithContext(ctx).WithField("op_type", run.OpType)

	active := &activeRun{state: state}
	c.save(ctx, active.snapshot())
	if err := c.journal.Record(ctx, active.snapshot()); err != nil {
		log.WithError(err).Warn("saga journal write failed")
	}

	stopHeartbeat := c.startHeartbeat(ctx, active)
	defer stopHeartbeat()

	for i := range run.Steps {
		step := run.Steps[i]

		// Cancellation and deadlines are polled between steps, never
		// mid-step: a storage transaction in flight gets to finish.
		if err := ctx.Err(); err != nil {
			log.WithError(err).Error("run interrupted", "step", step.Name)
			return c.abort(ctx, active, run, i, false, fmt.Errorf("interrupted before step %q: %w", step.Name, err))
		}

		c.update(ctx, active, run, func(s *State) {
			s.Status = StatusInProgress
			s.CurrentStep = step.Name
		})

		if err := c.executeStep(ctx, run, step); err != nil {
			if errors.Is(err, ErrHalt) {
				c.update(ctx, active, run, func(s *State) {
					s.Steps[i].Status = StepCompleted
				})
				final := c.finish(ctx, active, StatusCompleted)
				log.Info("saga halted early", "step", step.Name)
				return final, fmt.Errorf("step %q: %w", step.Name, err)
			}
			if !step.Critical {
				log.WithError(err).Warn("non-critical step failed", "step", step.Name)
				c.update(ctx, active, run, func(s *State) {
					s.Steps[i].Status = StepFailed
					s.Steps[i].Error = err.Error()
				})
				continue
			}
			log.WithError(err).Error("critical step failed, compensating", "step", step.Name)
			return c.abort(ctx, active, run, i, true, fmt.Errorf("step %q: %w", step.Name, err))
		}

		c.update(ctx, active, run, func(s *State) {
			s.Steps[i].Status = StepCompleted
		})
	}

	final := c.finish(ctx, active, StatusCompleted)
	log.Info("saga completed", "steps", len(run.Steps))
	return final, nil
}

// executeStep runs one forward step, retrying errors the run classifies as
// transient. Business failures pass through on the first attempt.
func (c *Coordinator) executeStep(ctx context.Context, run Run, step Step) error {
	err := step.Execute(ctx)
	if err == nil || !step.Critical || run.Retryable == nil {
		return err
	}

	backoff := compensationBackoff
	for attempt := 2; attempt <= c.maxRetries && run.Retryable(err); attempt++ {
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
		if err = step.Execute(ctx); err == nil {
			return nil
		}
	}
	return err
}

// abort compensates completed steps in reverse order and finishes the run.
// failedRan tells whether the failing step's Execute was actually invoked;
// an interrupted run aborts before the step gets to do anything.
func (c *Coordinator) abort(ctx context.Context, active *activeRun, run Run, failedIdx int, failedRan bool, cause error) (*State, error) {
	c.update(ctx, active, run, func(s *State) {
		if failedIdx < len(s.Steps) {
			s.Steps[failedIdx].Status = StepFailed
			s.Steps[failedIdx].Error = cause.Error()
		}
		s.Error = cause.Error()
	})

	// Rollback outlives the caller's deadline: a cancelled request still
	// has to be undone.
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if err := c.compensateSteps(compCtx, active, run, failedIdx, failedRan); err != nil {
		c.metrics.ObserveCompensation(run.OpType, "failed")
		c.update(ctx, active, run, func(s *State) { s.Error = err.Error() })
		final := c.finish(ctx, active, StatusFailed)
		return final, fmt.Errorf("%w: %w (cause: %w)", ErrCompensationFailed, err, cause)
	}

	c.metrics.ObserveCompensation(run.OpType, "compensated")
	final := c.finish(ctx, active, StatusCompensated)
	return final, fmt.Errorf("%w: %w", ErrCompensated, cause)
}

// compensateSteps undoes the completed steps, newest first. A failed step
// that opted in via CompensateOnFailure is undone too when its Execute got
// to run: it may have committed part of its work before erroring. All steps
// are attempted even when one fails; the first failure is reported.
func (c *Coordinator) compensateSteps(ctx context.Context, active *activeRun, run Run, failedIdx int, failedRan bool) error {
	snap := active.snapshot()

	var firstErr error
	for i := len(run.Steps) - 1; i >= 0; i-- {
		step := run.Steps[i]
		if step.Compensate == nil {
			continue
		}
		failed := i == failedIdx && failedRan && step.CompensateOnFailure
		if snap.Steps[i].Status != StepCompleted && !failed {
			continue
		}

		if err := c.retryCompensate(ctx, step); err != nil {
			c.logger.WithError(err).Error("compensation step failed",
				"saga_id", snap.ID.String(),
				"step", step.Name,
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("compensate %q: %w", step.Name, err)
			}
			continue
		}

		// The failed step keeps its failed status; only fully completed
		// steps flip to compensated.
		if !failed {
			c.update(ctx, active, run, func(s *State) {
				s.Steps[i].Status = StepCompensated
			})
		}
	}
	return firstErr
}

// retryCompensate retries a compensation action with doubling backoff.
func (c *Coordinator) retryCompensate(ctx context.Context, step Step) error {
	backoff := compensationBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		lastErr = step.Compensate(ctx)
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (then %w)", lastErr, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

// finish writes the terminal state to both the store and the journal.
func (c *Coordinator) finish(ctx context.Context, active *activeRun, status Status) *State {
	persistCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()

	final := active.mutate(func(s *State) {
		s.Status = status
		s.LastHeartbeat = now
		s.FinishedAt = &now
	})

	if err := c.store.MarkTerminal(persistCtx, final); err != nil {
		c.logger.WithError(err).Warn("failed to persist terminal saga state", "saga_id", final.ID.String())
	}
	if err := c.journal.Record(persistCtx, final); err != nil {
		c.logger.WithError(err).Warn("saga journal write failed", "saga_id", final.ID.String())
	}
	return final
}

// update applies a state change, refreshes checkpoints and persists. Saves
// use a detached context so request cancellation cannot lose progress.
func (c *Coordinator) update(ctx context.Context, active *activeRun, run Run, fn func(*State)) {
	snap := active.mutate(func(s *State) {
		fn(s)
		if run.Snapshot != nil {
			s.Checkpoints = run.Snapshot()
		}
	})
	c.save(context.WithoutCancel(ctx), snap)
}

func (c *Coordinator) save(ctx context.Context, snap *State) {
	if err := c.store.Save(ctx, snap); err != nil {
		// The ledger stays authoritative; a missed save only narrows what
		// recovery can see.
		c.logger.WithError(err).Warn("saga state save failed", "saga_id", snap.ID.String())
	}
}

// startHeartbeat refreshes LastHeartbeat on an interval until stopped.
func (c *Coordinator) startHeartbeat(ctx context.Context, active *activeRun) func() {
	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				snap := active.mutate(func(s *State) {
					s.LastHeartbeat = time.Now().UTC()
				})
				if snap.Status.Terminal() {
					return
				}
				c.save(hbCtx, snap)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
