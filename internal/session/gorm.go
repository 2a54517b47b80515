package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftline/uploadd/pkg/types"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormStore persists sessions in a relational database. Compare-and-set is an
// optimistic single-row UPDATE guarded by the expected offset or status, so
// the database serializes concurrent writers per session without any table
// level locking.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a database-backed session store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Create allocates a new session record
func (gs *GormStore) Create(ctx context.Context, declaredLength int64, metadata types.MetaData) (*types.UploadSession, error) {
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

	if err := gs.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// Get returns the current session state
func (gs *GormStore) Get(ctx context.Context, id uuid.UUID) (*types.UploadSession, error) {
	var session types.UploadSession
	err := gs.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &session, nil
}

// CompareAndSetOffset advances the offset if the stored value matches
func (gs *GormStore) CompareAndSetOffset(ctx context.Context, id uuid.UUID, expectedOffset, newOffset int64, status types.SessionStatus) (*types.UploadSession, error) {
	result := gs.db.WithContext(ctx).
		Model(&types.UploadSession{}).
		Where("id = ? AND received_offset = ? AND status IN ?", id, expectedOffset, openStatuses).
		Updates(map[string]interface{}{
			"received_offset":  newOffset,
			"status":           status,
			"last_activity_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update offset: %w", result.Error)
	}

	current, err := gs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return current, ErrConflict
	}
	return current, nil
}

// CompareAndSetStatus performs a guarded status transition
func (gs *GormStore) CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to types.SessionStatus) (*types.UploadSession, error) {
	result := gs.db.WithContext(ctx).
		Model(&types.UploadSession{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":           to,
			"last_activity_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update status: %w", result.Error)
	}

	current, err := gs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return current, ErrConflict
	}
	return current, nil
}

// CompleteSession marks a completing session as completed
func (gs *GormStore) CompleteSession(ctx context.Context, id uuid.UUID, storageHandle string) error {
	result := gs.db.WithContext(ctx).
		Model(&types.UploadSession{}).
		Where("id = ? AND status = ?", id, types.StatusCompleting).
		Updates(map[string]interface{}{
			"status":           types.StatusCompleted,
			"storage_handle":   storageHandle,
			"last_activity_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to complete session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := gs.Get(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// ListExpirable returns open sessions idle since the cutoff
func (gs *GormStore) ListExpirable(ctx context.Context, cutoff time.Time) ([]*types.UploadSession, error) {
	var sessions []*types.UploadSession
	err := gs.db.WithContext(ctx).
		Where("status IN ? AND last_activity_at < ?", openStatuses, cutoff).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expirable sessions: %w", err)
	}
	return sessions, nil
}

// PurgeTombstones removes terminal sessions older than the cutoff
func (gs *GormStore) PurgeTombstones(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := gs.db.WithContext(ctx).
		Model(&types.UploadSession{}).
		Where("status IN ? AND last_activity_at < ?", terminalStatuses, cutoff).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tombstones: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	result := gs.db.WithContext(ctx).Delete(&types.UploadSession{}, "id IN ?", ids)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to purge tombstones: %w", result.Error)
	}
	return ids, nil
}

// Delete removes a session record
func (gs *GormStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := gs.db.WithContext(ctx).Delete(&types.UploadSession{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
