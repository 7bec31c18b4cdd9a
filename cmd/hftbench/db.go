package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"

	"github.com/luxfi/hftbench/pkg/log"
)

// openResultsDB opens the BadgerDB snapshot ledger under dir, falling back
// to an in-memory database when BadgerDB cannot be opened.
func openResultsDB(dir string, logger log.Logger) (database.Database, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}

	dbManager := manager.NewManager(dir, nil)

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "hftbench"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		db, err = dbManager.New(manager.DefaultMemoryConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory results database")
		return db, nil
	}

	logger.Info("Results database opened", "path", filepath.Join(dir, "badgerdb"))
	return db, nil
}
