package upload

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/driftline/uploadd/internal/session"
	"github.com/driftline/uploadd/internal/storage"
	"github.com/driftline/uploadd/pkg/config"
	"github.com/driftline/uploadd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_ExpiresIdleSessions(t *testing.T) {
	ctx := context.Background()

	h := newTestHarness(t)
	cfg := &config.UploadConfig{
		MaxSize:            1 << 30,
		SessionTimeout:     0, // everything is instantly idle
		TombstoneRetention: time.Hour,
	}
	sweeper := NewSweeper(h.sessions, h.stager, cfg)

	sess, err := h.service.Create(ctx, 100, nil)
	require.NoError(t, err)
	_, err = h.service.Append(ctx, sess.ID, 0, 40, bytes.NewReader(bytes.Repeat([]byte("a"), 40)))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	sweeper.Sweep(ctx)

	// The tombstone answers queries with the expired state
	loaded, err := h.service.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExpired, loaded.Status)

	// Staged data is released with the session
	size, err := h.stager.Size(ctx, sess.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	// Late appends are told the session expired, not that it vanished
	_, err = h.service.Append(ctx, sess.ID, 40, 10, bytes.NewReader(bytes.Repeat([]byte("b"), 10)))
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSweeper_LeavesActiveSessionsAlone(t *testing.T) {
	ctx := context.Background()

	h := newTestHarness(t)
	cfg := &config.UploadConfig{
		MaxSize:            1 << 30,
		SessionTimeout:     time.Hour,
		TombstoneRetention: time.Hour,
	}
	sweeper := NewSweeper(h.sessions, h.stager, cfg)

	sess, err := h.service.Create(ctx, 100, nil)
	require.NoError(t, err)

	sweeper.Sweep(ctx)

	loaded, err := h.service.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCreated, loaded.Status)
}

func TestSweeper_PurgesStaleTombstones(t *testing.T) {
	ctx := context.Background()

	h := newTestHarness(t)
	cfg := &config.UploadConfig{
		MaxSize:            1 << 30,
		SessionTimeout:     0,
		TombstoneRetention: 0,
	}
	sweeper := NewSweeper(h.sessions, h.stager, cfg)

	sess, err := h.service.Create(ctx, 100, nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	sweeper.Sweep(ctx)

	loaded, err := h.service.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExpired, loaded.Status)

	// With the retention window elapsed the next pass removes the tombstone
	time.Sleep(5 * time.Millisecond)
	sweeper.Sweep(ctx)

	_, err = h.service.Status(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweeper_SkipsCompletedSessions(t *testing.T) {
	ctx := context.Background()

	stager, err := storage.NewLocalStager(t.TempDir())
	require.NoError(t, err)
	sessions := session.NewMemoryStore()
	cfg := &config.UploadConfig{
		MaxSize:            1 << 30,
		SessionTimeout:     0,
		TombstoneRetention: time.Hour,
	}
	sweeper := NewSweeper(sessions, stager, cfg)

	sess, err := sessions.Create(ctx, 10, nil)
	require.NoError(t, err)
	_, err = sessions.CompareAndSetOffset(ctx, sess.ID, 0, 10, types.StatusInProgress)
	require.NoError(t, err)
	_, err = sessions.CompareAndSetStatus(ctx, sess.ID, types.StatusInProgress, types.StatusCompleting)
	require.NoError(t, err)
	require.NoError(t, sessions.CompleteSession(ctx, sess.ID, "s3://bucket/obj"))

	time.Sleep(5 * time.Millisecond)
	sweeper.Sweep(ctx)

	loaded, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, loaded.Status)
}

func TestSweeper_ReleasesStagedDataOfPurgedFailures(t *testing.T) {
	ctx := context.Background()

	stager, err := storage.NewLocalStager(t.TempDir())
	require.NoError(t, err)
	sessions := session.NewMemoryStore()
	cfg := &config.UploadConfig{
		MaxSize:            1 << 30,
		SessionTimeout:     time.Hour,
		TombstoneRetention: 0,
	}
	sweeper := NewSweeper(sessions, stager, cfg)

	// A failed completion keeps its staged bytes for the retention window
	sess, err := sessions.Create(ctx, 40, nil)
	require.NoError(t, err)
	_, err = stager.WriteChunkAt(ctx, sess.ID.String(), 0, bytes.NewReader(bytes.Repeat([]byte("q"), 40)))
	require.NoError(t, err)
	_, err = sessions.CompareAndSetOffset(ctx, sess.ID, 0, 40, types.StatusInProgress)
	require.NoError(t, err)
	_, err = sessions.CompareAndSetStatus(ctx, sess.ID, types.StatusInProgress, types.StatusCompleting)
	require.NoError(t, err)
	_, err = sessions.CompareAndSetStatus(ctx, sess.ID, types.StatusCompleting, types.StatusFailed)
	require.NoError(t, err)

	size, err := stager.Size(ctx, sess.ID.String())
	require.NoError(t, err)
	require.Equal(t, int64(40), size)

	// Once the tombstone is purged the staged bytes must go with it
	time.Sleep(5 * time.Millisecond)
	sweeper.Sweep(ctx)

	_, err = sessions.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)

	size, err = stager.Size(ctx, sess.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}
