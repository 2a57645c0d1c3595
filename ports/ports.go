// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/artpar/quotagate/domain/quota"
)

var (
	// ErrNotFound is returned by stores when nothing is stored under a key.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a shared record kept changing under a
	// read-modify-write and the store gave up retrying.
	ErrConflict = errors.New("concurrent update conflict")
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// Hasher compares secrets against stored hashes.
type Hasher interface {
	// Hash generates a hash from plaintext.
	Hash(plaintext string) ([]byte, error)

	// Compare checks if plaintext matches hash.
	Compare(hash []byte, plaintext string) bool
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// RecordStore persists usage records keyed by user key.
type RecordStore interface {
	// Load returns every stored record.
	Load(ctx context.Context) (map[string]quota.UsageRecord, error)

	// Save upserts the given records. Records not in the map are left alone.
	Save(ctx context.Context, records map[string]quota.UsageRecord) error

	// Ping checks the store is reachable.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}

// SharedRecordStore is a RecordStore that several processes update at the
// same time. An engine over a shared store writes every change through
// Update instead of flushing its own copy.
type SharedRecordStore interface {
	RecordStore

	// Get returns the stored record or ErrNotFound.
	Get(ctx context.Context, userKey string) (quota.UsageRecord, error)

	// Update reads the record for userKey, passes it to fn and stores the
	// result, atomically with respect to other writers. found is false when
	// nothing was stored. fn may run more than once and returns false to
	// leave the stored record alone. The returned record is the stored state.
	Update(ctx context.Context, userKey string, fn func(rec *quota.UsageRecord, found bool) bool) (quota.UsageRecord, error)
}

// SettingsStore persists quota settings changed at runtime.
type SettingsStore interface {
	// LoadSettings returns ErrNotFound when nothing was saved yet.
	LoadSettings(ctx context.Context) (quota.Settings, error)

	// SaveSettings replaces the stored settings.
	SaveSettings(ctx context.Context, s quota.Settings) error
}

// -----------------------------------------------------------------------------
// Identity Ports
// -----------------------------------------------------------------------------

// Identity is the resolved caller.
type Identity struct {
	UserKey   string // stable key passed to the quota engine
	Email     string // display only, empty for anonymous callers
	Anonymous bool
}

// TokenVerifier validates a signed identity token.
type TokenVerifier interface {
	// Verify returns the token subject and email.
	Verify(token string) (subject, email string, err error)
}

// -----------------------------------------------------------------------------
// External Service Ports
// -----------------------------------------------------------------------------

// DemoAPI is the outbound API called by quota-gated actions.
type DemoAPI interface {
	// Call performs the request and returns the JSON response body.
	Call(ctx context.Context) (json.RawMessage, error)
}
