package upload

import (
	"errors"
	"fmt"
)

// The error taxonomy of the protocol. Every append outcome maps to exactly
// one of these classes; the protocol handler translates them 1:1 into HTTP
// status codes.
var (
	// ErrInvalidLength rejects session creation with a non-positive or
	// missing declared length. Client error, never retried.
	ErrInvalidLength = errors.New("declared length must be positive")

	// ErrTooLarge rejects session creation above the configured maximum.
	ErrTooLarge = errors.New("declared length exceeds maximum upload size")

	// ErrNotFound means no session record exists, not even a tombstone.
	ErrNotFound = errors.New("upload session not found")

	// ErrLengthExceeded rejects a chunk that would run past the declared
	// length.
	ErrLengthExceeded = errors.New("chunk exceeds declared length")

	// ErrSessionClosed rejects appends to completed or failed sessions. The
	// client must start a new session.
	ErrSessionClosed = errors.New("upload session is closed")

	// ErrSessionExpired rejects operations on a session reclaimed by the
	// expiry sweeper. Answered from the tombstone until it is purged.
	ErrSessionExpired = errors.New("upload session expired")

	// ErrWriteFailed signals a transient staging failure. The offset is
	// unchanged; the client may retry the same chunk.
	ErrWriteFailed = errors.New("failed to stage chunk")

	// ErrCompletionFailed signals that the storage handoff failed after the
	// automatic retry. Recorded on the session and visible via status query.
	ErrCompletionFailed = errors.New("storage handoff failed")
)

// OffsetMismatchError rejects an append whose claimed offset disagrees with
// the server. It always carries the authoritative offset so the client can
// resume from server-reported truth rather than its own counter.
type OffsetMismatchError struct {
	// Offset is the authoritative current offset of the session.
	Offset int64
}

func (e *OffsetMismatchError) Error() string {
	return fmt.Sprintf("offset mismatch: server offset is %d", e.Offset)
}

// IsClientError reports whether the error is in the client class: malformed
// input the server will never retry on the caller's behalf.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidLength) || errors.Is(err, ErrTooLarge)
}
