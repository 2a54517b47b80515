package storage

import (
	"context"
	"fmt"

	"github.com/driftline/uploadd/pkg/config"
)

// StorageFactory creates object store instances based on configuration
type StorageFactory struct {
	config *config.StorageConfig
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory(config *config.StorageConfig) *StorageFactory {
	return &StorageFactory{config: config}
}

// CreateObjectStore creates an object store for the configured type
func (sf *StorageFactory) CreateObjectStore(ctx context.Context) (ObjectStore, error) {
	switch sf.config.Type {
	case "local":
		return NewLocalObjectStore(sf.config.LocalPath)
	case "s3":
		return NewS3ObjectStore(ctx, sf.config)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", sf.config.Type)
	}
}

// CreateStager creates the chunk staging area
func (sf *StorageFactory) CreateStager() (Stager, error) {
	return NewLocalStager(sf.config.StagingPath)
}
