package events

import (
	"context"
	"fmt"
	"time"
)

// Publisher delivers domain events to the bus. Publication is
// fire-and-forget: callers log failures and move on, they never fail the
// operation that produced the event.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
	Close() error
}

// LedgerCompleted is emitted after a ledger transaction commits.
type LedgerCompleted struct {
	TenantID      string    `json:"tenantId"`
	TxID          string    `json:"txId"`
	Type          string    `json:"type"`
	FromAccountID string    `json:"fromAccountId"`
	ToAccountID   string    `json:"toAccountId"`
	FromUserID    string    `json:"fromUserId"`
	ToUserID      string    `json:"toUserId"`
	Currency      string    `json:"currency"`
	Amount        int64     `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
}

// WalletOpCompleted is emitted after a money operation completes.
type WalletOpCompleted struct {
	TenantID   string    `json:"tenantId"`
	UserID     string    `json:"userId"`
	Currency   string    `json:"currency"`
	Amount     int64     `json:"amount"`
	AccountID  string    `json:"accountId"`
	TxID       string    `json:"txId"`
	TransferID string    `json:"transferId"`
	OpType     string    `json:"opType"`
	Timestamp  time.Time `json:"timestamp"`
}

// LedgerTopic builds the routing key for a committed ledger transaction.
func LedgerTopic(txType string) string {
	return fmt.Sprintf("ledger.%s.completed", txType)
}

// WalletTopic builds the routing key for a completed money operation.
func WalletTopic(opType string) string {
	return fmt.Sprintf("wallet.%s.completed", opType)
}

// Noop discards every event. Used when no bus is configured and in tests.
type Noop struct{}

func (Noop) Publish(ctx context.Context, topic string, payload any) error { return nil }

func (Noop) Close() error { return nil }
