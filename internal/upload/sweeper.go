package upload

import (
	"context"
	"errors"
	"time"

	"github.com/driftline/uploadd/internal/session"
	"github.com/driftline/uploadd/internal/storage"
	"github.com/driftline/uploadd/pkg/config"
	"github.com/driftline/uploadd/pkg/types"
	"github.com/rs/zerolog/log"
)

// Sweeper reclaims abandoned sessions in the background. Expired sessions
// keep a tombstone for the retention window so late clients get a clear
// "expired" answer instead of "not found"; tombstones older than the window
// are purged for good.
type Sweeper struct {
	sessions session.Store
	stager   storage.Stager
	config   *config.UploadConfig
}

// NewSweeper creates a new expiry sweeper
func NewSweeper(sessions session.Store, stager storage.Stager, cfg *config.UploadConfig) *Sweeper {
	return &Sweeper{
		sessions: sessions,
		stager:   stager,
		config:   cfg,
	}
}

// Run sweeps periodically until the context is cancelled
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.config.SweepInterval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", sw.config.SweepInterval).
		Dur("session_timeout", sw.config.SessionTimeout).
		Msg("expiry sweeper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("expiry sweeper stopped")
			return
		case <-ticker.C:
			sw.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass: idle open sessions become tombstones and stale
// tombstones are purged.
func (sw *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	stale, err := sw.sessions.ListExpirable(ctx, now.Add(-sw.config.SessionTimeout))
	if err != nil {
		log.Error().Err(err).Msg("failed to list expirable sessions")
		return
	}

	expired := 0
	for _, sess := range stale {
		if sw.expire(ctx, sess) {
			expired++
		}
	}

	purged, err := sw.sessions.PurgeTombstones(ctx, now.Add(-sw.config.TombstoneRetention))
	if err != nil {
		log.Error().Err(err).Msg("failed to purge tombstones")
	}

	// Failed sessions keep their staged bytes through the retention window
	// for out-of-band recovery; once the record is gone the bytes go too.
	for _, id := range purged {
		if err := sw.stager.Discard(ctx, id.String()); err != nil {
			log.Error().Err(err).Str("session_id", id.String()).Msg("failed to release staged data of purged session")
		}
	}

	if expired > 0 || len(purged) > 0 {
		log.Info().
			Int("expired", expired).
			Int("purged", len(purged)).
			Msg("expiry sweep finished")
	}
}

// expire moves one idle session to the expired state and releases its staged
// data. The guarded transition loses harmlessly if the session saw activity
// after the listing.
func (sw *Sweeper) expire(ctx context.Context, sess *types.UploadSession) bool {
	if _, err := sw.sessions.CompareAndSetStatus(ctx, sess.ID, sess.Status, types.StatusExpired); err != nil {
		if !errors.Is(err, session.ErrConflict) && !errors.Is(err, session.ErrNotFound) {
			log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("failed to expire session")
		}
		return false
	}

	if err := sw.stager.Discard(ctx, sess.ID.String()); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("failed to release staged data")
	}

	log.Info().
		Str("session_id", sess.ID.String()).
		Time("last_activity", sess.LastActivityAt).
		Msg("expired idle upload session")

	return true
}
