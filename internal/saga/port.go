package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the heartbeat state store. Save re-ups the state TTL; terminal
// states are kept briefly for inspection and then expire.
type Store interface {
	Save(ctx context.Context, state *State) error
	Get(ctx context.Context, id uuid.UUID) (*State, error)
	// MarkTerminal persists a finished state with a shortened TTL.
	MarkTerminal(ctx context.Context, state *State) error
	// ListStuck returns non-terminal states whose last heartbeat is older
	// than the given cutoff.
	ListStuck(ctx context.Context, olderThan time.Time) ([]*State, error)
	// TryClaim takes a short-lived exclusive claim on a saga so that only
	// one recoverer compensates it.
	TryClaim(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Journal is the durable audit trail of saga runs. Record upserts the
// current state; it is written at start and at every terminal transition.
type Journal interface {
	Record(ctx context.Context, state *State) error
}

// NoopJournal drops records. Used where no durable log is configured.
type NoopJournal struct{}

func (NoopJournal) Record(context.Context, *State) error { return nil }
