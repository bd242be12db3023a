package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a saga run
type Status string

const (
	// StatusPending is written before the first step runs.
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusCompensated Status = "compensated"
	// StatusFailed means compensation itself failed and the run needs
	// manual intervention.
	StatusFailed Status = "failed"
	// StatusRecovered is set by the recovery scanner when it adopts a run
	// whose heartbeat went silent.
	StatusRecovered Status = "recovered"
)

// Terminal reports whether the run is finished one way or another
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed, StatusRecovered:
		return true
	}
	return false
}

// StepStatus is the state of one step within a run
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// Step is one unit of work in a saga. Compensate undoes Execute and must be
// safe to call more than once; nil means the step leaves nothing to undo.
// Non-critical steps log their failure and let the run continue.
type Step struct {
	Name     string
	Critical bool
	// CompensateOnFailure also runs Compensate when this step's own Execute
	// failed: set it on steps that commit their work piecewise, where an
	// error can leave part of it already applied.
	CompensateOnFailure bool
	Execute             func(ctx context.Context) error
	Compensate          func(ctx context.Context) error
}

// StepState is the persisted record of a step inside saga state.
type StepState struct {
	Name     string     `json:"name"`
	Critical bool       `json:"critical"`
	Status   StepStatus `json:"status"`
	Error    string     `json:"error,omitempty"`
}

// State is the heartbeat-persisted progress of one saga run. Checkpoints
// carry whatever the operation needs to compensate after a crash, typically
// posted transaction ids.
type State struct {
	ID            uuid.UUID         `json:"id"`
	TenantID      string            `json:"tenant_id"`
	OpType        string            `json:"op_type"`
	Status        Status            `json:"status"`
	CurrentStep   string            `json:"current_step,omitempty"`
	Steps         []StepState       `json:"steps"`
	Checkpoints   map[string]string `json:"checkpoints,omitempty"`
	Error         string            `json:"error,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
}

// Clone returns a deep copy safe to hand to the store while the run keeps
// mutating the original.
func (s *State) Clone() *State {
	cp := *s
	cp.Steps = append([]StepState(nil), s.Steps...)
	if s.Checkpoints != nil {
		cp.Checkpoints = make(map[string]string, len(s.Checkpoints))
		for k, v := range s.Checkpoints {
			cp.Checkpoints[k] = v
		}
	}
	if s.FinishedAt != nil {
		finished := *s.FinishedAt
		cp.FinishedAt = &finished
	}
	return &cp
}

// Run describes one saga execution request. Snapshot is called after every
// step to refresh State.Checkpoints; it should return whatever a recovering
// compensator will need. Retryable classifies step errors worth another
// attempt; business failures must classify false.
type Run struct {
	TenantID  string
	OpType    string
	Steps     []Step
	Snapshot  func() map[string]string
	Retryable func(error) bool
}
