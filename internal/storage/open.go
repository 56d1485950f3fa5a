package storage

import (
	"context"

	"github.com/camuig/signal-tracker/internal/config"
)

// Backend is the configured state store. Journal is nil unless the backend
// is sqlite.
type Backend struct {
	Port    Port
	Journal *Journal
	close   func() error
}

func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Open connects the backend selected by storage.backend.
func Open(ctx context.Context, cfg config.StorageConfig) (*Backend, error) {
	switch cfg.Backend {
	case "redis":
		rs, err := NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return &Backend{Port: rs, close: rs.Close}, nil
	case "memory":
		return &Backend{Port: NewMemoryStore()}, nil
	default:
		db, err := NewDatabase(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		return &Backend{Port: NewSQLiteStore(db), Journal: NewJournal(db), close: sqlDB.Close}, nil
	}
}
