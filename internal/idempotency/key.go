package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Window bounds for derived keys. Outside these bounds the bucket is either
// too narrow to absorb client retries or too wide to distinguish intentional
// repeats.
const (
	MinWindow     = 60 * time.Second
	MaxWindow     = 300 * time.Second
	DefaultWindow = 120 * time.Second
)

// Params are the request fields that identify an operation for key
// derivation. Two requests with the same params inside one time bucket are
// the same operation.
type Params struct {
	TenantID   string
	FromUserID string
	ToUserID   string
	Amount     int64
	Currency   string
	Method     string
	OpType     string
}

// ClampWindow forces the window into the valid range.
func ClampWindow(w time.Duration) time.Duration {
	switch {
	case w < MinWindow:
		return MinWindow
	case w > MaxWindow:
		return MaxWindow
	default:
		return w
	}
}

// DeriveKey builds a deterministic external reference for a request that did
// not supply one. The time bucket makes an accidental client retry within
// the window collapse onto the first attempt, while a deliberate repeat in a
// later bucket gets a fresh key.
func DeriveKey(p Params, now time.Time, window time.Duration) string {
	window = ClampWindow(window)
	bucket := now.UnixMilli() / window.Milliseconds()

	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d|%s|%s|%s|%d",
		p.TenantID, p.FromUserID, p.ToUserID, p.Amount, p.Currency, p.Method, p.OpType, bucket))
	return hex.EncodeToString(h[:])
}
