package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kvantpay/tally/internal/saga"
	"github.com/kvantpay/tally/pkg/logger"
)

const (
	// KeyPrefix namespaces saga state keys.
	KeyPrefix = "saga:"
	// claimPrefix namespaces recovery claims, which live beside the state
	// they guard.
	claimPrefix = "saga:claim:"

	// terminalTTL keeps finished states around briefly for inspection.
	terminalTTL = 5 * time.Minute
)

// HeartbeatStore keeps in-flight saga state in Redis with a TTL. It is the
// coordination layer only: a lost key loses visibility for the recovery
// scanner, never money, because the ledger and the saga journal stay
// authoritative.
type HeartbeatStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *logger.Logger
}

// NewHeartbeatStore creates a heartbeat store. ttl applies to non-terminal
// state and should comfortably exceed the stuck threshold.
func NewHeartbeatStore(client *redis.Client, ttl time.Duration, log *logger.Logger) *HeartbeatStore {
	return &HeartbeatStore{
		client: client,
		ttl:    ttl,
		logger: log.WithField("component", "heartbeat_store"),
	}
}

func stateKey(id uuid.UUID) string {
	return KeyPrefix + id.String()
}

func claimKey(id uuid.UUID) string {
	return claimPrefix + id.String()
}

// Save writes the state and refreshes its TTL. Every heartbeat goes through
// here, so a live saga never expires.
func (s *HeartbeatStore) Save(ctx context.Context, state *saga.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal saga state: %w", err)
	}
	if err := s.client.Set(ctx, stateKey(state.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save saga state: %w", err)
	}
	return nil
}

// MarkTerminal persists a finished state with a shortened TTL so it expires
// naturally; the durable audit lives in the saga journal.
func (s *HeartbeatStore) MarkTerminal(ctx context.Context, state *saga.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal saga state: %w", err)
	}
	if err := s.client.Set(ctx, stateKey(state.ID), data, terminalTTL).Err(); err != nil {
		return fmt.Errorf("failed to mark saga terminal: %w", err)
	}
	return nil
}

// Get retrieves the state for a saga id.
func (s *HeartbeatStore) Get(ctx context.Context, id uuid.UUID) (*saga.State, error) {
	val, err := s.client.Get(ctx, stateKey(id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", saga.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get saga state: %w", err)
	}

	var state saga.State
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal saga state: %w", err)
	}
	return &state, nil
}

// ListStuck scans for non-terminal states whose last heartbeat is older than
// the cutoff. SCAN keeps the walk incremental; undecodable or vanished keys
// are skipped rather than failing the whole sweep.
func (s *HeartbeatStore) ListStuck(ctx context.Context, olderThan time.Time) ([]*saga.State, error) {
	var stuck []*saga.State

	iter := s.client.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if len(key) >= len(claimPrefix) && key[:len(claimPrefix)] == claimPrefix {
			continue
		}

		val, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read saga state %s: %w", key, err)
		}

		var state saga.State
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			s.logger.WithError(err).Warn("skipping undecodable saga state", "key", key)
			continue
		}

		if state.Status.Terminal() {
			continue
		}
		if state.LastHeartbeat.Before(olderThan) {
			stuck = append(stuck, &state)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan saga states: %w", err)
	}
	return stuck, nil
}

// TryClaim takes a short-lived exclusive claim on a saga via SET NX, so that
// exactly one recoverer compensates it even with several instances scanning.
func (s *HeartbeatStore) TryClaim(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, claimKey(id), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim saga %s: %w", id, err)
	}
	return ok, nil
}

// ReleaseClaim drops a recovery claim.
func (s *HeartbeatStore) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	if err := s.client.Del(ctx, claimKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to release claim on saga %s: %w", id, err)
	}
	return nil
}

// Delete removes a saga state outright.
func (s *HeartbeatStore) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.client.Del(ctx, stateKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete saga state %s: %w", id, err)
	}
	return nil
}

// NewClient builds a Redis client and verifies connectivity.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}
