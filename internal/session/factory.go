package session

import (
	"fmt"

	"github.com/driftline/uploadd/pkg/config"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Factory creates session stores based on configuration
type Factory struct {
	config *config.SessionConfig
}

// NewFactory creates a new session store factory
func NewFactory(config *config.SessionConfig) *Factory {
	return &Factory{config: config}
}

// CreateStore creates a session store for the configured backend. The caller
// supplies whichever connections the backend needs; unused ones may be nil.
func (f *Factory) CreateStore(db *gorm.DB, client *redis.Client) (Store, error) {
	switch f.config.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis session backend requires a redis connection")
		}
		return NewRedisStore(client), nil
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("postgres session backend requires a database connection")
		}
		return NewGormStore(db), nil
	default:
		return nil, fmt.Errorf("unsupported session backend: %s", f.config.Backend)
	}
}
