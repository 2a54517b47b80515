package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// LocalStager stages chunk bytes in per-session files on the local
// filesystem. Writes are positional and fsync'd before returning, which is
// what lets the reconciler treat a returned write as durable.
type LocalStager struct {
	basePath string
}

// NewLocalStager creates a staging area rooted at basePath
func NewLocalStager(basePath string) (*LocalStager, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create staging directory")
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("chunk staging initialized")
	return &LocalStager{basePath: basePath}, nil
}

func (ls *LocalStager) stagingPath(id string) string {
	return filepath.Join(ls.basePath, id)
}

// WriteChunkAt writes the chunk at the given offset and syncs it to disk
func (ls *LocalStager) WriteChunkAt(ctx context.Context, id string, offset int64, r io.Reader) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	file, err := os.OpenFile(ls.stagingPath(id), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Error().Err(err).Str("session_id", id).Msg("failed to open staging file")
		return 0, fmt.Errorf("failed to open staging file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek staging file: %w", err)
	}

	written, err := io.Copy(file, r)
	if err != nil {
		log.Error().Err(err).Str("session_id", id).Int64("offset", offset).Msg("failed to write chunk")
		return written, fmt.Errorf("failed to write chunk: %w", err)
	}

	if err := file.Sync(); err != nil {
		return written, fmt.Errorf("failed to sync staging file: %w", err)
	}

	log.Debug().
		Str("session_id", id).
		Int64("offset", offset).
		Int64("bytes_written", written).
		Msg("chunk staged")

	return written, nil
}

// Open returns a reader over the staged bytes
func (ls *LocalStager) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	file, err := os.Open(ls.stagingPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no staged data for session: %s", id)
		}
		return nil, fmt.Errorf("failed to open staged data: %w", err)
	}
	return file, nil
}

// Size returns the current staged size
func (ls *LocalStager) Size(ctx context.Context, id string) (int64, error) {
	info, err := os.Stat(ls.stagingPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to stat staged data: %w", err)
	}
	return info.Size(), nil
}

// Discard removes the staged data
func (ls *LocalStager) Discard(ctx context.Context, id string) error {
	if err := os.Remove(ls.stagingPath(id)); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("session_id", id).Msg("failed to discard staged data")
		return fmt.Errorf("failed to discard staged data: %w", err)
	}
	return nil
}
