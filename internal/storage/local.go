package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// LocalObjectStore implements ObjectStore on the local filesystem. Parts are
// appended to a temporary file and finalize atomically renames it into the
// objects directory, returning a handle carrying the object's sha256 digest.
type LocalObjectStore struct {
	basePath string
	mu       sync.Mutex
	uploads  map[string]*localUpload
}

type localUpload struct {
	file   *os.File
	hasher hash.Hash
	size   int64
}

// NewLocalObjectStore creates an object store rooted at basePath
func NewLocalObjectStore(basePath string) (*LocalObjectStore, error) {
	if err := os.MkdirAll(filepath.Join(basePath, ".tmp"), 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create object directory")
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("local object store initialized")
	return &LocalObjectStore{
		basePath: basePath,
		uploads:  make(map[string]*localUpload),
	}, nil
}

// BeginUpload starts a handoff to the given destination key
func (los *LocalObjectStore) BeginUpload(ctx context.Context, destinationKey string) (*UploadHandle, error) {
	los.mu.Lock()
	defer los.mu.Unlock()

	uploadID := uuid.New().String()
	tempPath := filepath.Join(los.basePath, ".tmp", uploadID)

	file, err := os.Create(tempPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload file: %w", err)
	}

	los.uploads[uploadID] = &localUpload{
		file:   file,
		hasher: sha256.New(),
	}

	return &UploadHandle{Key: destinationKey, UploadID: uploadID}, nil
}

// AppendPart appends one part to the upload
func (los *LocalObjectStore) AppendPart(ctx context.Context, handle *UploadHandle, partNumber int, r io.Reader, size int64) (*PartRef, error) {
	los.mu.Lock()
	upload, exists := los.uploads[handle.UploadID]
	los.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("unknown upload: %s", handle.UploadID)
	}

	written, err := io.Copy(io.MultiWriter(upload.file, upload.hasher), io.LimitReader(r, size))
	if err != nil {
		return nil, fmt.Errorf("failed to write part %d: %w", partNumber, err)
	}
	if written != size {
		return nil, fmt.Errorf("short part %d: wrote %d of %d bytes", partNumber, written, size)
	}
	upload.size += written

	return &PartRef{Number: partNumber}, nil
}

// Finalize syncs the accumulated parts and renames them into place
func (los *LocalObjectStore) Finalize(ctx context.Context, handle *UploadHandle, parts []*PartRef) (string, error) {
	startTime := time.Now()

	los.mu.Lock()
	upload, exists := los.uploads[handle.UploadID]
	if exists {
		delete(los.uploads, handle.UploadID)
	}
	los.mu.Unlock()
	if !exists {
		return "", fmt.Errorf("unknown upload: %s", handle.UploadID)
	}

	tempPath := upload.file.Name()
	if err := upload.file.Sync(); err != nil {
		upload.file.Close()
		return "", fmt.Errorf("failed to sync object: %w", err)
	}
	if err := upload.file.Close(); err != nil {
		return "", fmt.Errorf("failed to close object: %w", err)
	}

	finalPath := filepath.Join(los.basePath, filepath.FromSlash(handle.Key))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", fmt.Errorf("failed to move object to final location: %w", err)
	}

	checksum := hex.EncodeToString(upload.hasher.Sum(nil))
	objectRef := fmt.Sprintf("%s@sha256:%s", handle.Key, checksum)

	log.Info().
		Str("key", handle.Key).
		Int64("size", upload.size).
		Str("checksum", checksum).
		Dur("duration", time.Since(startTime)).
		Msg("object finalized")

	return objectRef, nil
}

// Abort cancels the upload and removes partial state
func (los *LocalObjectStore) Abort(ctx context.Context, handle *UploadHandle) error {
	los.mu.Lock()
	upload, exists := los.uploads[handle.UploadID]
	if exists {
		delete(los.uploads, handle.UploadID)
	}
	los.mu.Unlock()
	if !exists {
		return nil
	}

	tempPath := upload.file.Name()
	upload.file.Close()
	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove aborted upload: %w", err)
	}

	log.Debug().Str("key", handle.Key).Msg("upload aborted")
	return nil
}
