package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/driftline/uploadd/internal/session"
	"github.com/driftline/uploadd/internal/storage"
	"github.com/driftline/uploadd/pkg/types"
	"github.com/rs/zerolog/log"
)

// handoffPartSize is the part size used when streaming staged bytes to the
// object store. Large enough to stay above S3's minimum part size.
const handoffPartSize = 64 * 1024 * 1024

// finishUpload runs the completion handoff for a session whose offset just
// reached the declared length. The transition into Completing is a guarded
// compare-and-set, so under concurrent triggering appends exactly one caller
// runs the finalize and the rest return immediately.
func (s *Service) finishUpload(ctx context.Context, sess *types.UploadSession) error {
	// Completion outlives the triggering request and runs under its own
	// bounded deadline. The detachment must cover the Completing transition
	// itself: the client may drop the connection the instant its final byte
	// is staged, and a cancelled CAS here would strand a fully-received
	// session in in_progress with nothing left to trigger the handoff.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.FinalizeTimeout)
	defer cancel()

	if _, err := s.sessions.CompareAndSetStatus(ctx, sess.ID, types.StatusInProgress, types.StatusCompleting); err != nil {
		if errors.Is(err, session.ErrConflict) {
			// Another trigger already owns completion.
			return nil
		}
		return fmt.Errorf("failed to enter completing state: %w", err)
	}

	key := s.destinationKey(sess)

	objectRef, err := s.handoff(ctx, sess, key)
	if err != nil {
		// One automatic retry, then the failure is surfaced.
		log.Warn().Err(err).
			Str("session_id", sess.ID.String()).
			Msg("storage handoff failed, retrying once")
		objectRef, err = s.handoff(ctx, sess, key)
	}
	if err != nil {
		if _, serr := s.sessions.CompareAndSetStatus(ctx, sess.ID, types.StatusCompleting, types.StatusFailed); serr != nil {
			log.Error().Err(serr).
				Str("session_id", sess.ID.String()).
				Msg("failed to record completion failure")
		}
		// Staged data is kept for out-of-band retry.
		return fmt.Errorf("%w: %v", ErrCompletionFailed, err)
	}

	if err := s.sessions.CompleteSession(ctx, sess.ID, objectRef); err != nil {
		if errors.Is(err, session.ErrConflict) {
			// The session left Completing underneath us, most plausibly the
			// sweeper reclaiming a handoff it believed dead. The object is
			// durable; log it rather than lose the reference.
			log.Warn().
				Str("session_id", sess.ID.String()).
				Str("storage_handle", objectRef).
				Msg("session no longer completing, object retained")
			return nil
		}
		return fmt.Errorf("failed to record completion: %w", err)
	}

	if err := s.stager.Discard(ctx, sess.ID.String()); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("failed to discard staged data after completion")
	}

	log.Info().
		Str("session_id", sess.ID.String()).
		Str("storage_handle", objectRef).
		Int64("size", sess.DeclaredLength).
		Msg("upload completed")

	event := &types.CompletionEvent{
		SessionID:     sess.ID,
		Metadata:      sess.Metadata,
		StorageHandle: objectRef,
		Size:          sess.DeclaredLength,
		CompletedAt:   time.Now().UTC(),
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		// At-least-once, fire-and-forget: the completion stands either way.
		log.Error().Err(err).
			Str("session_id", sess.ID.String()).
			Msg("failed to deliver completion event")
	}

	return nil
}

// handoff streams the staged bytes into the object store as a fresh
// multipart upload and finalizes it.
func (s *Service) handoff(ctx context.Context, sess *types.UploadSession, key string) (string, error) {
	staged, err := s.stager.Size(ctx, sess.ID.String())
	if err != nil {
		return "", fmt.Errorf("failed to measure staged data: %w", err)
	}
	if staged < sess.DeclaredLength {
		return "", fmt.Errorf("staged data incomplete: %d of %d bytes", staged, sess.DeclaredLength)
	}

	reader, err := s.stager.Open(ctx, sess.ID.String())
	if err != nil {
		return "", fmt.Errorf("failed to open staged data: %w", err)
	}
	defer reader.Close()

	handle, err := s.objects.BeginUpload(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to begin upload: %w", err)
	}

	var parts []*storage.PartRef
	remaining := sess.DeclaredLength
	for partNumber := 1; remaining > 0; partNumber++ {
		size := remaining
		if size > handoffPartSize {
			size = handoffPartSize
		}

		part, err := s.objects.AppendPart(ctx, handle, partNumber, io.LimitReader(reader, size), size)
		if err != nil {
			s.abortHandoff(ctx, handle)
			return "", fmt.Errorf("failed to upload part %d: %w", partNumber, err)
		}
		parts = append(parts, part)
		remaining -= size
	}

	objectRef, err := s.objects.Finalize(ctx, handle, parts)
	if err != nil {
		s.abortHandoff(ctx, handle)
		return "", fmt.Errorf("failed to finalize object: %w", err)
	}
	return objectRef, nil
}

func (s *Service) abortHandoff(ctx context.Context, handle *storage.UploadHandle) {
	if err := s.objects.Abort(ctx, handle); err != nil {
		log.Error().Err(err).Str("key", handle.Key).Msg("failed to abort handoff")
	}
}
