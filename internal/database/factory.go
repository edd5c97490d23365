package database

import (
	"fmt"
	"os"
	"path/filepath"

	"diagramsync/internal/config"
)

// DatabaseFile is the store's file name inside the configured data directory.
const DatabaseFile = "diagrams.db"

// NewDatabaseFromConfig creates a store based on the database config type.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, opts Options) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return NewSQLiteDatabase(filepath.Join(cfg.DataDir, DatabaseFile), opts)
	case "memory":
		return NewSQLiteDatabase(":memory:", opts)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
