package operations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kvantpay/tally/internal/idempotency"
	"github.com/kvantpay/tally/internal/ledger"
	"github.com/kvantpay/tally/internal/platform/events"
	"github.com/kvantpay/tally/internal/platform/metrics"
	"github.com/kvantpay/tally/internal/saga"
	"github.com/kvantpay/tally/internal/transfer"
	"github.com/kvantpay/tally/internal/wallet"
	"github.com/kvantpay/tally/pkg/logger"
)

// Deps bundles everything a money operation touches. Wired explicitly in
// main; no component reaches for a global.
type Deps struct {
	Ledger      *ledger.Service
	Wallets     *wallet.Service
	Transfers   transfer.Repository
	Guard       *idempotency.Guard
	Coordinator *saga.Coordinator
	Oracle      PermissionOracle
	Rates       RateSource
	Publisher   events.Publisher
	Metrics     *metrics.Metrics
	Fees        *FeePolicy
	Logger      *logger.Logger

	SystemUserID      string
	FeeUserID         string
	IdempotencyWindow time.Duration
	UseTransaction    bool
	OperationDeadline time.Duration
}

// Service runs the composite money operations: deposit, withdrawal and
// user-to-user transfer, each as a saga over the ledger, the transfer
// aggregate and the wallet projection.
type Service struct {
	deps   Deps
	logger *logger.Logger
}

// NewService creates the operations service
func NewService(deps Deps) *Service {
	if deps.Publisher == nil {
		deps.Publisher = events.Noop{}
	}
	return &Service{
		deps:   deps,
		logger: deps.Logger.WithField("component", "operations"),
	}
}

// Registry returns a compensator registry covering every operation type this
// service runs, for the recovery scanner.
func (s *Service) Registry() (*saga.Registry, error) {
	registry := saga.NewRegistry()
	for _, opType := range []transfer.OpType{transfer.OpDeposit, transfer.OpWithdrawal, transfer.OpTransfer} {
		if err := registry.Register(s.compensator(opType)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// CreateDeposit moves funds from the system account into a user's wallet.
func (s *Service) CreateDeposit(ctx context.Context, req OperationRequest) (*OperationResult, error) {
	return s.run(ctx, transfer.OpDeposit, req)
}

// CreateWithdrawal moves funds from a user's wallet back to the system
// account. Authorization happens on the ledger side: the user's balance and
// policy decide.
func (s *Service) CreateWithdrawal(ctx context.Context, req OperationRequest) (*OperationResult, error) {
	return s.run(ctx, transfer.OpWithdrawal, req)
}

// CreateTransfer moves funds between two users.
func (s *Service) CreateTransfer(ctx context.Context, req OperationRequest) (*OperationResult, error) {
	return s.run(ctx, transfer.OpTransfer, req)
}

func (s *Service) run(ctx context.Context, opType transfer.OpType, req OperationRequest) (*OperationResult, error) {
	start := time.Now()

	n, err := s.normalize(opType, req)
	if err != nil {
		s.deps.Metrics.ObserveOperation(string(opType), "rejected", time.Since(start))
		return &OperationResult{
			Errors:          []string{err.Error()},
			ExecutionTimeMs: elapsedMs(start),
		}, err
	}

	if s.deps.OperationDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deps.OperationDeadline)
		defer cancel()
	}

	st := &opState{n: n}
	state, execErr := s.deps.Coordinator.Execute(ctx, saga.Run{
		TenantID: n.TenantID,
		OpType:   string(opType),
		Steps:    s.buildSteps(st),
		Snapshot: st.checkpoints,
		Retryable: func(err error) bool {
			return errors.Is(err, ledger.ErrTransientStorage)
		},
	})

	result := &OperationResult{
		SagaID:          state.ID,
		ExecutionTimeMs: elapsedMs(start),
	}

	switch {
	case execErr == nil:
		result.Success = true
		result.Replayed = st.replayed
		result.Transfer = st.transfer
		result.DebitTx = st.debitTx
		result.CreditTx = st.creditTx
		result.FeeTx = st.feeTx
		s.deps.Metrics.ObserveOperation(string(opType), "completed", time.Since(start))
		return result, nil

	case errors.Is(execErr, saga.ErrHalt):
		return s.replayResult(ctx, st, result, start)

	default:
		result.Transfer = st.transfer
		result.Errors = append(result.Errors, execErr.Error())
		outcome := "compensated"
		if errors.Is(execErr, saga.ErrCompensationFailed) {
			outcome = "failed"
		}
		s.deps.Metrics.ObserveOperation(string(opType), outcome, time.Since(start))
		return result, execErr
	}
}

// replayResult builds the result for a request whose reference resolved to a
// prior terminal operation. The prior outcome is returned verbatim: success
// for a completed transfer, the recorded failure otherwise.
func (s *Service) replayResult(ctx context.Context, st *opState, result *OperationResult, start time.Time) (*OperationResult, error) {
	prior := st.prior
	result.Replayed = true
	result.Transfer = prior
	result.Success = prior.Status == transfer.StatusCompleted
	if !result.Success {
		result.Errors = append(result.Errors,
			fmt.Sprintf("prior operation with this reference ended %s", prior.Status))
	}

	// Best effort: attach the prior ledger transactions for parity with a
	// fresh result.
	for _, link := range []struct {
		id   *uuid.UUID
		dest **ledger.Transaction
	}{
		{prior.DebitTxID, &result.DebitTx},
		{prior.CreditTxID, &result.CreditTx},
		{prior.FeeTxID, &result.FeeTx},
	} {
		if link.id == nil {
			continue
		}
		tx, err := s.deps.Ledger.GetTransaction(ctx, *link.id)
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("failed to load prior transaction",
				"tx_id", link.id.String())
			continue
		}
		*link.dest = tx
	}

	s.deps.Metrics.ObserveOperation(string(st.n.OpType), "replayed", time.Since(start))
	result.ExecutionTimeMs = elapsedMs(start)
	return result, nil
}

// normalize validates a request and fills the operation-specific defaults.
func (s *Service) normalize(opType transfer.OpType, req OperationRequest) (*normalized, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrValidation)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if len(req.Currency) < 3 || len(req.Currency) > 8 {
		return nil, fmt.Errorf("%w: invalid currency", ErrValidation)
	}

	n := &normalized{
		OpType:       opType,
		TenantID:     req.TenantID,
		FromUserID:   req.FromUserID,
		ToUserID:     req.ToUserID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		DestCurrency: req.DestCurrency,
		Method:       req.Method,
		ExternalRef:  req.ExternalRef,
		Metadata:     req.Metadata,
		InitiatedBy:  req.InitiatedBy,
	}
	if n.DestCurrency == n.Currency {
		n.DestCurrency = ""
	}

	switch opType {
	case transfer.OpDeposit:
		if n.FromUserID == "" {
			n.FromUserID = s.deps.SystemUserID
		}
		if n.ToUserID == "" {
			return nil, fmt.Errorf("%w: deposit requires a destination user", ErrValidation)
		}
	case transfer.OpWithdrawal:
		if n.ToUserID == "" {
			n.ToUserID = s.deps.SystemUserID
		}
		if n.FromUserID == "" {
			return nil, fmt.Errorf("%w: withdrawal requires a source user", ErrValidation)
		}
	case transfer.OpTransfer:
		if n.FromUserID == "" || n.ToUserID == "" {
			return nil, fmt.Errorf("%w: transfer requires both users", ErrValidation)
		}
		if n.FromUserID == n.ToUserID && n.DestCurrency == "" {
			return nil, fmt.Errorf("%w: cannot transfer to self", ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: unknown operation type %q", ErrValidation, opType)
	}

	return n, nil
}

// sagaIDFromContext reads back the id the coordinator stamped on the run
// context.
func sagaIDFromContext(ctx context.Context) *uuid.UUID {
	raw, ok := ctx.Value(logger.SagaIDKey).(string)
	if !ok {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}
