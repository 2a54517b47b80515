package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MetaData holds caller-supplied key/value pairs attached to a session at
// creation time (filename, content type, application fields). It is opaque to
// the server and immutable after creation.
type MetaData map[string]string

// Value implements the driver.Valuer interface for GORM
func (m MetaData) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for GORM
func (m *MetaData) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into MetaData", value)
	}

	return json.Unmarshal(bytes, m)
}

// SessionStatus is the lifecycle state of an upload session.
type SessionStatus string

const (
	StatusCreated    SessionStatus = "created"
	StatusInProgress SessionStatus = "in_progress"
	// StatusCompleting guards the finalize path: exactly one append may move a
	// session from in_progress to completing.
	StatusCompleting SessionStatus = "completing"
	StatusCompleted  SessionStatus = "completed"
	StatusExpired    SessionStatus = "expired"
	StatusFailed     SessionStatus = "failed"
)

// AllStatuses enumerates the status machine. Store backends derive their
// open and terminal sets from this list.
var AllStatuses = []SessionStatus{
	StatusCreated,
	StatusInProgress,
	StatusCompleting,
	StatusCompleted,
	StatusExpired,
	StatusFailed,
}

// Terminal reports whether no further appends are accepted in this state.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusFailed
}

// UploadSession represents a single resumable upload attempt.
//
// ReceivedOffset counts the contiguous bytes durably staged from the start of
// the upload. It is monotonically non-decreasing and mutated only through the
// session store's compare-and-set.
type UploadSession struct {
	ID             uuid.UUID     `json:"id" gorm:"primaryKey"`
	DeclaredLength int64         `json:"declared_length" gorm:"not null"`
	ReceivedOffset int64         `json:"received_offset" gorm:"not null;default:0"`
	Status         SessionStatus `json:"status" gorm:"not null;index"`
	Metadata       MetaData      `json:"metadata" gorm:"serializer:json"`
	StorageHandle  string        `json:"storage_handle,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at" gorm:"index"`
}

// BeforeCreate generates a UUID for the session ID
func (s *UploadSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// Complete reports whether every declared byte has been staged.
func (s *UploadSession) Complete() bool {
	return s.ReceivedOffset == s.DeclaredLength
}

// CompletionEvent is emitted to the metadata collaborator after a session's
// bytes are finalized in the object store. Delivery is at-least-once;
// consumers must tolerate duplicates.
type CompletionEvent struct {
	SessionID     uuid.UUID `json:"session_id"`
	Metadata      MetaData  `json:"metadata"`
	StorageHandle string    `json:"storage_handle"`
	Size          int64     `json:"size"`
	CompletedAt   time.Time `json:"completed_at"`
}

// APIResponse is the generic JSON envelope for non-protocol endpoints
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}
