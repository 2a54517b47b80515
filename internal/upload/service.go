package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/driftline/uploadd/internal/notify"
	"github.com/driftline/uploadd/internal/session"
	"github.com/driftline/uploadd/internal/storage"
	"github.com/driftline/uploadd/pkg/config"
	"github.com/driftline/uploadd/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Service implements the upload protocol core: offset reconciliation, chunk
// staging, and completion handoff. All session state lives in the store; the
// service itself is stateless and safe for arbitrary concurrent use.
type Service struct {
	sessions  session.Store
	stager    storage.Stager
	objects   storage.ObjectStore
	notifier  notify.Notifier
	config    *config.UploadConfig
	keyPrefix string
}

// NewService creates a new upload service
func NewService(sessions session.Store, stager storage.Stager, objects storage.ObjectStore, notifier notify.Notifier, cfg *config.UploadConfig, keyPrefix string) *Service {
	return &Service{
		sessions:  sessions,
		stager:    stager,
		objects:   objects,
		notifier:  notifier,
		config:    cfg,
		keyPrefix: keyPrefix,
	}
}

// Create opens a new upload session for declaredLength bytes
func (s *Service) Create(ctx context.Context, declaredLength int64, metadata types.MetaData) (*types.UploadSession, error) {
	if declaredLength <= 0 {
		return nil, ErrInvalidLength
	}
	if s.config.MaxSize > 0 && declaredLength > s.config.MaxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, declaredLength, s.config.MaxSize)
	}

	sess, err := s.sessions.Create(ctx, declaredLength, metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	log.Info().
		Str("session_id", sess.ID.String()).
		Int64("declared_length", declaredLength).
		Msg("upload session created")

	return sess, nil
}

// Status returns the current session state for offset queries
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*types.UploadSession, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

// Append reconciles and applies the chunk [claimedOffset, claimedOffset+
// chunkLen) read from body. chunkLen comes from the request's content length;
// pass -1 when unknown. The returned offset is authoritative on every
// outcome: on success the new offset, on a mismatch the offset the client
// must resume from. Bytes are durably staged before the offset is advanced,
// so a committed offset never points at missing data.
func (s *Service) Append(ctx context.Context, id uuid.UUID, claimedOffset, chunkLen int64, body io.Reader) (int64, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}

	switch sess.Status {
	case types.StatusExpired:
		return sess.ReceivedOffset, ErrSessionExpired
	case types.StatusFailed:
		return sess.ReceivedOffset, ErrSessionClosed
	}

	// Replay of an already-applied range is an idempotent success: the bytes
	// are durable, so the retransmission is acknowledged without touching
	// state. This also covers retries that arrive after completion started.
	if claimedOffset < sess.ReceivedOffset {
		if chunkLen >= 0 && claimedOffset+chunkLen <= sess.ReceivedOffset {
			log.Debug().
				Str("session_id", id.String()).
				Int64("claimed_offset", claimedOffset).
				Int64("offset", sess.ReceivedOffset).
				Msg("replayed chunk acknowledged")
			// A fully-received session still in in_progress means an earlier
			// completion trigger was lost between the offset commit and the
			// handoff (crash, disconnect). The client retry recovers it.
			if sess.Complete() && sess.Status == types.StatusInProgress {
				if err := s.finishUpload(ctx, sess); err != nil {
					log.Error().Err(err).
						Str("session_id", id.String()).
						Msg("completion failed on replayed final chunk")
				}
			}
			return sess.ReceivedOffset, nil
		}
		return sess.ReceivedOffset, &OffsetMismatchError{Offset: sess.ReceivedOffset}
	}

	if sess.Status == types.StatusCompleted {
		return sess.ReceivedOffset, ErrSessionClosed
	}
	if claimedOffset > sess.ReceivedOffset {
		return sess.ReceivedOffset, &OffsetMismatchError{Offset: sess.ReceivedOffset}
	}
	if chunkLen >= 0 && claimedOffset+chunkLen > sess.DeclaredLength {
		return sess.ReceivedOffset, ErrLengthExceeded
	}

	// Stage first, commit after: the compare-and-set only runs once the
	// bytes are durable. The reader is capped at the declared length so a
	// lying client cannot grow the staging file without bound; any staged
	// overrun is never committed and never reaches the final object.
	written, err := s.stager.WriteChunkAt(ctx, id.String(), claimedOffset, io.LimitReader(body, sess.DeclaredLength-claimedOffset))
	if err != nil {
		return sess.ReceivedOffset, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if chunkLen >= 0 && written < chunkLen {
		// The connection dropped mid-chunk or the declared length was
		// reached early; commit only what was staged.
		log.Warn().
			Str("session_id", id.String()).
			Int64("expected", chunkLen).
			Int64("written", written).
			Msg("short chunk staged")
	}
	if written == 0 {
		return sess.ReceivedOffset, nil
	}

	newOffset := claimedOffset + written
	updated, err := s.sessions.CompareAndSetOffset(ctx, id, claimedOffset, newOffset, types.StatusInProgress)
	if err != nil {
		if errors.Is(err, session.ErrConflict) {
			// A concurrent append won; report the authoritative offset so
			// the client can resubmit the corrected range.
			return s.conflictOutcome(updated)
		}
		if errors.Is(err, session.ErrNotFound) {
			return 0, ErrNotFound
		}
		return sess.ReceivedOffset, err
	}

	log.Debug().
		Str("session_id", id.String()).
		Int64("chunk_size", written).
		Int64("offset", updated.ReceivedOffset).
		Msg("chunk applied")

	if updated.Complete() {
		if err := s.finishUpload(ctx, updated); err != nil {
			// Recorded on the session; the append itself succeeded and the
			// offset stands. Status queries expose the failure.
			log.Error().Err(err).
				Str("session_id", id.String()).
				Msg("completion failed after final chunk")
		}
	}

	return updated.ReceivedOffset, nil
}

// Terminate deletes the session and releases its staged data
func (s *Service) Terminate(ctx context.Context, id uuid.UUID) error {
	if err := s.stager.Discard(ctx, id.String()); err != nil {
		log.Error().Err(err).Str("session_id", id.String()).Msg("failed to discard staged data on terminate")
	}

	if err := s.sessions.Delete(ctx, id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}

	log.Info().Str("session_id", id.String()).Msg("upload session terminated")
	return nil
}

// conflictOutcome maps a lost offset CAS to the client-facing error class.
func (s *Service) conflictOutcome(current *types.UploadSession) (int64, error) {
	if current == nil {
		return 0, ErrNotFound
	}
	switch current.Status {
	case types.StatusExpired:
		return current.ReceivedOffset, ErrSessionExpired
	case types.StatusFailed:
		return current.ReceivedOffset, ErrSessionClosed
	default:
		return current.ReceivedOffset, &OffsetMismatchError{Offset: current.ReceivedOffset}
	}
}

// destinationKey derives the object key for a finished session. Keys are
// namespaced by session id so identically named files never collide.
func (s *Service) destinationKey(sess *types.UploadSession) string {
	if name := path.Base(sess.Metadata["filename"]); name != "" && name != "." && name != "/" {
		return s.keyPrefix + sess.ID.String() + "/" + name
	}
	return s.keyPrefix + sess.ID.String()
}
