package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kvantpay/tally/internal/saga"
)

// SagaJournal is the durable audit trail of saga runs. The heartbeat store
// carries in-flight coordination with a TTL; this table is what survives it.
type SagaJournal struct {
	pool *pgxpool.Pool
}

// NewSagaJournal creates a Postgres-backed saga journal
func NewSagaJournal(pool *pgxpool.Pool) *SagaJournal {
	return &SagaJournal{pool: pool}
}

// Record upserts the run's current state. Called at start and at every
// terminal transition.
func (j *SagaJournal) Record(ctx context.Context, state *saga.State) error {
	stepsJSON, err := json.Marshal(state.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal saga steps: %w", err)
	}
	payloadJSON, err := json.Marshal(state.Checkpoints)
	if err != nil {
		return fmt.Errorf("failed to marshal saga checkpoints: %w", err)
	}
	if state.Checkpoints == nil {
		payloadJSON = []byte("{}")
	}

	query := `
		INSERT INTO saga_log (saga_id, tenant_id, op_type, status, current_step, steps, payload, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (saga_id) DO UPDATE SET
			status       = EXCLUDED.status,
			current_step = EXCLUDED.current_step,
			steps        = EXCLUDED.steps,
			payload      = EXCLUDED.payload,
			error        = EXCLUDED.error,
			finished_at  = EXCLUDED.finished_at
	`

	_, err = j.pool.Exec(ctx, query,
		state.ID,
		state.TenantID,
		state.OpType,
		string(state.Status),
		state.CurrentStep,
		stepsJSON,
		payloadJSON,
		state.Error,
		state.StartedAt,
		state.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record saga state: %w", err)
	}
	return nil
}
