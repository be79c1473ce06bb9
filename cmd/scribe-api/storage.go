package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/scribe/internal/config"
	"github.com/MarcoPoloResearchLab/scribe/internal/database"
	"github.com/MarcoPoloResearchLab/scribe/internal/snapshots"
	"go.uber.org/zap"
)

// openStore builds the configured snapshot store and returns its close function.
func openStore(appConfig config.AppConfig, logger *zap.Logger) (snapshots.Store, func() error, error) {
	switch appConfig.StorageBackend {
	case config.StorageBackendBadger:
		store, err := snapshots.OpenBadgerStore(snapshots.BadgerConfig{
			Path:       appConfig.BadgerPath,
			SyncWrites: true,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.StorageBackendSQL:
		db, err := database.Open(database.Config{
			Driver: appConfig.DatabaseDriver,
			Path:   appConfig.DatabasePath,
			DSN:    appConfig.DatabaseDSN,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		store, err := snapshots.NewSQLStore(snapshots.SQLStoreConfig{Database: db, Logger: logger})
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		return store, sqlDB.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", appConfig.StorageBackend)
	}
}
