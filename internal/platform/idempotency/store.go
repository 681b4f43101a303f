// Package idempotency replays the stored response of a write request when a
// client retries it with the same Idempotency-Key.
package idempotency

import (
	"context"
	"net/http"
	"time"
)

// DefaultTTL is how long a stored response stays replayable.
const DefaultTTL = 24 * time.Hour

// LockTTL bounds how long a claim on a key survives a holder that never
// releases it.
const LockTTL = 5 * time.Minute

// Entry is a stored response for one idempotency key. Fingerprint is the
// SHA-256 of the request body that produced it.
type Entry struct {
	Key         string      `json:"key"`
	Method      string      `json:"method"`
	Path        string      `json:"path"`
	Fingerprint string      `json:"fingerprint"`
	StatusCode  int         `json:"status_code"`
	Headers     http.Header `json:"headers,omitempty"`
	Body        []byte      `json:"body"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// Store persists entries. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the live entry for key; found is false on a miss or expiry.
	Get(ctx context.Context, key string) (entry *Entry, found bool, err error)
	// Set stores entry under key, filling CreatedAt and ExpiresAt when zero.
	Set(ctx context.Context, key string, entry *Entry) error
	Delete(ctx context.Context, key string) error
	// Lock claims key for one in-flight request across every process sharing
	// the store. acquired is false when another request holds it.
	Lock(ctx context.Context, key string) (acquired bool, err error)
	// Unlock releases a claim taken by Lock.
	Unlock(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

func lockTTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < LockTTL {
		return ttl
	}
	return LockTTL
}

func cloneEntry(e *Entry) *Entry {
	cp := *e
	if e.Headers != nil {
		cp.Headers = e.Headers.Clone()
	}
	cp.Body = append([]byte(nil), e.Body...)
	return &cp
}
