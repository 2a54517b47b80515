package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/driftline/uploadd/pkg/types"
	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates no record exists for the session id, not even a
	// tombstone.
	ErrNotFound = errors.New("session not found")

	// ErrConflict indicates a compare-and-set lost: the stored offset or
	// status no longer matches what the caller presented.
	ErrConflict = errors.New("session state changed concurrently")
)

// Store is the durable mapping from session id to upload session state. It is
// the single shared mutable resource of the service; every offset or status
// mutation goes through a per-session compare-and-set, so concurrent callers
// on the same session serialize here and unrelated sessions never contend.
//
// Implementations must never hand out records that alias their internal
// state: callers always receive a copy reflecting the store at call time.
type Store interface {
	// Create allocates a new session with the given declared length and
	// immutable metadata, status Created and offset zero.
	Create(ctx context.Context, declaredLength int64, metadata types.MetaData) (*types.UploadSession, error)

	// Get returns the current session state. Expired sessions remain
	// readable until their tombstone is purged.
	Get(ctx context.Context, id uuid.UUID) (*types.UploadSession, error)

	// CompareAndSetOffset advances the offset from expectedOffset to
	// newOffset and applies the given status, but only if the stored offset
	// still equals expectedOffset and the session is still open. On success
	// LastActivityAt is refreshed. On failure the returned session carries
	// the authoritative current state together with ErrConflict.
	CompareAndSetOffset(ctx context.Context, id uuid.UUID, expectedOffset, newOffset int64, status types.SessionStatus) (*types.UploadSession, error)

	// CompareAndSetStatus performs a guarded status transition from -> to,
	// failing with ErrConflict if the stored status is not `from`. This is
	// how exactly one caller wins the right to run completion.
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to types.SessionStatus) (*types.UploadSession, error)

	// CompleteSession records a successful storage handoff: status moves
	// from Completing to Completed and the storage handle is set.
	CompleteSession(ctx context.Context, id uuid.UUID, storageHandle string) error

	// ListExpirable returns open sessions (Created, InProgress, Completing)
	// with no activity since the cutoff.
	ListExpirable(ctx context.Context, cutoff time.Time) ([]*types.UploadSession, error)

	// PurgeTombstones deletes terminal sessions whose last activity is older
	// than the cutoff, ending their tombstone window. Returns the ids of the
	// records removed so callers can release per-session resources.
	PurgeTombstones(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)

	// Delete removes the session record entirely.
	Delete(ctx context.Context, id uuid.UUID) error
}

// openStatuses and terminalStatuses partition the status machine. Both are
// derived from types.AllStatuses so the gorm queries, the memory checks, and
// the redis scripts cannot drift apart when a status is added.
var (
	openStatuses     []types.SessionStatus
	terminalStatuses []types.SessionStatus
)

func init() {
	for _, s := range types.AllStatuses {
		if s.Terminal() {
			terminalStatuses = append(terminalStatuses, s)
		} else {
			openStatuses = append(openStatuses, s)
		}
	}
}

func isOpen(s types.SessionStatus) bool {
	return !s.Terminal()
}

// openStatusList renders the open set for the redis CAS scripts.
func openStatusList() string {
	names := make([]string, 0, len(openStatuses))
	for _, s := range openStatuses {
		names = append(names, string(s))
	}
	return strings.Join(names, ",")
}
