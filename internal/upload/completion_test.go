package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/driftline/uploadd/internal/session"
	"github.com/driftline/uploadd/internal/storage"
	"github.com/driftline/uploadd/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// stageCompleteSession creates a session with all bytes staged and the offset
// at the declared length, ready for the completion handoff.
func stageCompleteSession(t *testing.T, h *testHarness, length int64) *types.UploadSession {
	t.Helper()
	ctx := context.Background()

	sess, err := h.sessions.Create(ctx, length, types.MetaData{"filename": "report.pdf"})
	require.NoError(t, err)

	_, err = h.stager.WriteChunkAt(ctx, sess.ID.String(), 0, bytes.NewReader(bytes.Repeat([]byte("p"), int(length))))
	require.NoError(t, err)

	sess, err = h.sessions.CompareAndSetOffset(ctx, sess.ID, 0, length, types.StatusInProgress)
	require.NoError(t, err)
	return sess
}

func TestFinishUpload_Success(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sess := stageCompleteSession(t, h, 512)
	require.NoError(t, h.service.finishUpload(ctx, sess))

	loaded, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, loaded.Status)
	assert.Contains(t, loaded.StorageHandle, "report.pdf")

	// Staged data is released once the object is durable
	size, err := h.stager.Size(ctx, sess.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	require.Equal(t, int32(1), h.notifier.count.Load())
	event := h.notifier.events[0]
	assert.Equal(t, sess.ID, event.SessionID)
	assert.Equal(t, int64(512), event.Size)
	assert.Equal(t, loaded.StorageHandle, event.StorageHandle)
}

func TestFinishUpload_SecondTriggerSuppressed(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sess := stageCompleteSession(t, h, 256)
	require.NoError(t, h.service.finishUpload(ctx, sess))

	// The session already left in_progress, so a concurrent trigger loses
	// the status guard and backs off without a second handoff.
	require.NoError(t, h.service.finishUpload(ctx, sess))
	assert.Equal(t, int32(1), h.notifier.count.Load())
}

func TestFinishUpload_RetriesHandoffOnce(t *testing.T) {
	ctx := context.Background()

	stager, err := storage.NewLocalStager(t.TempDir())
	require.NoError(t, err)
	sessions := session.NewMemoryStore()
	notifier := &countingNotifier{}

	objects := &MockObjectStore{}
	handle := &storage.UploadHandle{Key: "uploads/x", UploadID: "mp-1"}
	objects.On("BeginUpload", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("connection reset")).Once()
	objects.On("BeginUpload", mock.Anything, mock.Anything).Return(handle, nil).Once()
	objects.On("AppendPart", mock.Anything, handle, 1, mock.Anything, int64(128)).Return(&storage.PartRef{Number: 1, ETag: "e1"}, nil)
	objects.On("Finalize", mock.Anything, handle, mock.Anything).Return("s3://bucket/uploads/x", nil)

	h := &testHarness{
		service:  NewService(sessions, stager, objects, notifier, testConfig(), "uploads/"),
		sessions: sessions,
		stager:   stager,
		notifier: notifier,
	}

	sess := stageCompleteSession(t, h, 128)
	require.NoError(t, h.service.finishUpload(ctx, sess))

	loaded, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, loaded.Status)
	assert.Equal(t, "s3://bucket/uploads/x", loaded.StorageHandle)
	objects.AssertExpectations(t)
}

func TestFinishUpload_FailureAfterRetry(t *testing.T) {
	ctx := context.Background()

	stager, err := storage.NewLocalStager(t.TempDir())
	require.NoError(t, err)
	sessions := session.NewMemoryStore()
	notifier := &countingNotifier{}

	objects := &MockObjectStore{}
	objects.On("BeginUpload", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("bucket unavailable")).Twice()

	h := &testHarness{
		service:  NewService(sessions, stager, objects, notifier, testConfig(), "uploads/"),
		sessions: sessions,
		stager:   stager,
		notifier: notifier,
	}

	sess := stageCompleteSession(t, h, 128)
	err = h.service.finishUpload(ctx, sess)
	assert.ErrorIs(t, err, ErrCompletionFailed)

	loaded, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, loaded.Status)
	assert.Empty(t, loaded.StorageHandle)

	// Staged bytes survive the failure for out-of-band recovery
	size, err := stager.Size(ctx, sess.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(128), size)

	assert.Equal(t, int32(0), notifier.count.Load())
	objects.AssertExpectations(t)
}

func TestFinishUpload_AbortsOnPartFailure(t *testing.T) {
	ctx := context.Background()

	stager, err := storage.NewLocalStager(t.TempDir())
	require.NoError(t, err)
	sessions := session.NewMemoryStore()

	objects := &MockObjectStore{}
	handle := &storage.UploadHandle{Key: "uploads/y", UploadID: "mp-2"}
	objects.On("BeginUpload", mock.Anything, mock.Anything).Return(handle, nil).Twice()
	objects.On("AppendPart", mock.Anything, handle, 1, mock.Anything, int64(64)).Return(nil, fmt.Errorf("part rejected")).Twice()
	objects.On("Abort", mock.Anything, handle).Return(nil).Twice()

	h := &testHarness{
		service:  NewService(sessions, stager, objects, &countingNotifier{}, testConfig(), "uploads/"),
		sessions: sessions,
		stager:   stager,
	}

	sess := stageCompleteSession(t, h, 64)
	assert.ErrorIs(t, h.service.finishUpload(ctx, sess), ErrCompletionFailed)
	objects.AssertExpectations(t)
}

func TestDestinationKey(t *testing.T) {
	h := newTestHarness(t)

	tests := []struct {
		name     string
		metadata types.MetaData
		wantTail string
	}{
		{name: "plain filename", metadata: types.MetaData{"filename": "cat.png"}, wantTail: "/cat.png"},
		{name: "path is stripped to base", metadata: types.MetaData{"filename": "../../etc/passwd"}, wantTail: "/passwd"},
		{name: "no filename", metadata: nil, wantTail: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := h.sessions.Create(context.Background(), 10, tt.metadata)
			require.NoError(t, err)

			key := h.service.destinationKey(sess)
			assert.Equal(t, "uploads/"+sess.ID.String()+tt.wantTail, key)
		})
	}
}

// guardedWriteStore fails guarded writes once the context is cancelled, the
// way the database-backed stores do.
type guardedWriteStore struct {
	session.Store
}

func (s guardedWriteStore) CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to types.SessionStatus) (*types.UploadSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.CompareAndSetStatus(ctx, id, from, to)
}

func (s guardedWriteStore) CompleteSession(ctx context.Context, id uuid.UUID, storageHandle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.CompleteSession(ctx, id, storageHandle)
}

// cancelOnEOFReader cancels the request context the moment the body is fully
// consumed, like a client that disconnects as its last byte is read.
type cancelOnEOFReader struct {
	r      io.Reader
	cancel context.CancelFunc
}

func (c *cancelOnEOFReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if err == io.EOF {
		c.cancel()
	}
	return n, err
}

func TestFinishUpload_SurvivesClientDisconnect(t *testing.T) {
	stager, err := storage.NewLocalStager(t.TempDir())
	require.NoError(t, err)
	objects, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	sessions := guardedWriteStore{Store: session.NewMemoryStore()}
	notifier := &countingNotifier{}
	svc := NewService(sessions, stager, objects, notifier, testConfig(), "uploads/")

	sess, err := svc.Create(context.Background(), 100, nil)
	require.NoError(t, err)

	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	body := &cancelOnEOFReader{
		r:      bytes.NewReader(bytes.Repeat([]byte("f"), 100)),
		cancel: cancel,
	}

	// The request context dies as the final chunk lands; the completion
	// handoff must not die with it.
	offset, err := svc.Append(reqCtx, sess.ID, 0, 100, body)
	require.NoError(t, err)
	assert.Equal(t, int64(100), offset)

	loaded, err := svc.Status(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, loaded.Status)
	assert.Equal(t, int32(1), notifier.count.Load())
}

func TestAppend_ReplayRecoversLostCompletion(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	// Full offset committed but the handoff never ran: the state left behind
	// by a crash between the offset commit and the completion trigger.
	sess := stageCompleteSession(t, h, 256)

	offset, err := h.service.Append(ctx, sess.ID, 0, 256, bytes.NewReader(bytes.Repeat([]byte("p"), 256)))
	require.NoError(t, err)
	assert.Equal(t, int64(256), offset)

	loaded, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, loaded.Status)
	assert.Equal(t, int32(1), h.notifier.count.Load())
}
