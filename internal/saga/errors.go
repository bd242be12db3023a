package saga

import "errors"

var (
	// ErrNotFound means the store has no state for the given saga id.
	ErrNotFound = errors.New("saga not found")

	// ErrCompensated marks operation errors whose forward progress was
	// rolled back successfully.
	ErrCompensated = errors.New("operation compensated after step failure")

	// ErrCompensationFailed marks runs whose rollback also failed; they
	// stay in the failed state until someone looks at them.
	ErrCompensationFailed = errors.New("compensation failed, manual intervention required")

	// ErrNoCompensator means recovery found a stuck saga of an operation
	// type nothing is registered for.
	ErrNoCompensator = errors.New("no compensator registered for operation type")

	// ErrHalt stops a run without compensation. A step returns an error
	// wrapping it when the operation's outcome already exists, typically an
	// idempotent replay; the run finishes as completed and the remaining
	// steps are skipped.
	ErrHalt = errors.New("saga halted")
)
