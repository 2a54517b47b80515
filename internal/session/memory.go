package session

import (
	"context"
	"sync"
	"time"

	"github.com/driftline/uploadd/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MemoryStore keeps sessions in process memory behind a single mutex. It is
// the default backend for tests and single-node deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*types.UploadSession
}

// NewMemoryStore creates an empty in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]*types.UploadSession),
	}
}

// Create allocates a new session record
func (ms *MemoryStore) Create(ctx context.Context, declaredLength int64, metadata types.MetaData) (*types.UploadSession, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now().UTC()
	session := &types.UploadSession{
		ID:             uuid.New(),
		DeclaredLength: declaredLength,
		ReceivedOffset: 0,
		Status:         types.StatusCreated,
		Metadata:       metadata,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	ms.sessions[session.ID] = session

	log.Debug().
		Str("session_id", session.ID.String()).
		Int64("declared_length", declaredLength).
		Msg("created upload session")

	return copySession(session), nil
}

// Get returns a snapshot of the session state
func (ms *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*types.UploadSession, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	session, exists := ms.sessions[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copySession(session), nil
}

// CompareAndSetOffset advances the offset if the stored value matches
func (ms *MemoryStore) CompareAndSetOffset(ctx context.Context, id uuid.UUID, expectedOffset, newOffset int64, status types.SessionStatus) (*types.UploadSession, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	session, exists := ms.sessions[id]
	if !exists {
		return nil, ErrNotFound
	}
	if !isOpen(session.Status) || session.ReceivedOffset != expectedOffset {
		return copySession(session), ErrConflict
	}

	session.ReceivedOffset = newOffset
	session.Status = status
	session.LastActivityAt = time.Now().UTC()
	return copySession(session), nil
}

// CompareAndSetStatus performs a guarded status transition
func (ms *MemoryStore) CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to types.SessionStatus) (*types.UploadSession, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	session, exists := ms.sessions[id]
	if !exists {
		return nil, ErrNotFound
	}
	if session.Status != from {
		return copySession(session), ErrConflict
	}

	session.Status = to
	session.LastActivityAt = time.Now().UTC()
	return copySession(session), nil
}

// CompleteSession marks a completing session as completed
func (ms *MemoryStore) CompleteSession(ctx context.Context, id uuid.UUID, storageHandle string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	session, exists := ms.sessions[id]
	if !exists {
		return ErrNotFound
	}
	if session.Status != types.StatusCompleting {
		return ErrConflict
	}

	session.Status = types.StatusCompleted
	session.StorageHandle = storageHandle
	session.LastActivityAt = time.Now().UTC()
	return nil
}

// ListExpirable returns open sessions idle since the cutoff
func (ms *MemoryStore) ListExpirable(ctx context.Context, cutoff time.Time) ([]*types.UploadSession, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var stale []*types.UploadSession
	for _, session := range ms.sessions {
		if isOpen(session.Status) && session.LastActivityAt.Before(cutoff) {
			stale = append(stale, copySession(session))
		}
	}
	return stale, nil
}

// PurgeTombstones removes terminal sessions older than the cutoff
func (ms *MemoryStore) PurgeTombstones(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var removed []uuid.UUID
	for id, session := range ms.sessions {
		if session.Status.Terminal() && session.LastActivityAt.Before(cutoff) {
			delete(ms.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// Delete removes a session record
func (ms *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.sessions[id]; !exists {
		return ErrNotFound
	}
	delete(ms.sessions, id)
	return nil
}

func copySession(s *types.UploadSession) *types.UploadSession {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(types.MetaData, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
