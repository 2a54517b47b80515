package storage

import (
	"context"
	"io"
)

// UploadHandle identifies an in-progress handoff to the object store.
type UploadHandle struct {
	// Key is the destination object key.
	Key string
	// UploadID is the backend's token for the multipart upload.
	UploadID string
}

// PartRef identifies one uploaded part of a handoff.
type PartRef struct {
	Number int
	ETag   string
}

// ObjectStore is the boundary to the durable object storage collaborator.
// The upload core only ever talks to it through this interface; retry and
// backoff beyond the coordinator's single automatic retry are the
// implementation's concern.
type ObjectStore interface {
	// BeginUpload starts a handoff to the given destination key.
	BeginUpload(ctx context.Context, destinationKey string) (*UploadHandle, error)

	// AppendPart uploads one part of size bytes read from r.
	AppendPart(ctx context.Context, handle *UploadHandle, partNumber int, r io.Reader, size int64) (*PartRef, error)

	// Finalize assembles the uploaded parts into the destination object and
	// returns an opaque reference to it.
	Finalize(ctx context.Context, handle *UploadHandle, parts []*PartRef) (string, error)

	// Abort cancels the handoff and releases any partial state.
	Abort(ctx context.Context, handle *UploadHandle) error
}

// Stager is the chunk writer's durable staging area. Bytes land here before
// the session offset is advanced; an offset never points at missing data.
type Stager interface {
	// WriteChunkAt durably writes the bytes read from r at the given offset
	// of the session's staging file and returns the number of bytes written.
	WriteChunkAt(ctx context.Context, id string, offset int64, r io.Reader) (int64, error)

	// Open returns a reader over the staged bytes.
	Open(ctx context.Context, id string) (io.ReadCloser, error)

	// Size returns the current staged size.
	Size(ctx context.Context, id string) (int64, error)

	// Discard removes the staged data. Removing absent data is not an error.
	Discard(ctx context.Context, id string) error
}
