package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/scribe/internal/config"
	"github.com/MarcoPoloResearchLab/scribe/internal/history"
	"github.com/MarcoPoloResearchLab/scribe/internal/logging"
	"github.com/MarcoPoloResearchLab/scribe/internal/server"
	"github.com/MarcoPoloResearchLab/scribe/internal/sessions"
	"github.com/MarcoPoloResearchLab/scribe/internal/versioning"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scribe-api",
		Short: "Collaborative document server with version history",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newPruneCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "SQL driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres DSN (overrides env)")
	cmd.PersistentFlags().String("storage-backend", defaults.GetString("storage.backend"), "Snapshot storage backend (sql, badger)")
	cmd.PersistentFlags().String("badger-path", defaults.GetString("storage.badger_path"), "Badger data directory")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("min-version-interval", defaults.GetDuration("versioning.min_interval"), "Minimum time between auto-saved versions")
	cmd.PersistentFlags().Duration("snapshot-interval", defaults.GetDuration("versioning.snapshot_interval"), "Latest snapshot flush period")
	cmd.PersistentFlags().Bool("evict-on-last-leave", defaults.GetBool("sessions.evict_on_last_leave"), "Drop a document from memory when its last client leaves")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "storage.backend", "storage-backend")
	bindFlag(cmd, "storage.badger_path", "badger-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "versioning.min_interval", "min-version-interval")
	bindFlag(cmd, "versioning.snapshot_interval", "snapshot-interval")
	bindFlag(cmd, "sessions.evict_on_last_leave", "evict-on-last-leave")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, closeStore, err := openStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("snapshot store close failed", zap.Error(err))
		}
	}()

	versionManager, err := versioning.NewManager(versioning.ManagerConfig{
		Store:            store,
		MinInterval:      appConfig.MinInterval,
		SnapshotInterval: appConfig.SnapshotInterval,
		SaveTimeout:      appConfig.SaveTimeout,
		PreviewLength:    appConfig.PreviewLength,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	registry := sessions.NewRegistry(sessions.RegistryConfig{
		Loader:           store,
		Hooks:            []sessions.LifecycleHook{versionManager, dispatcher},
		EvictOnLastLeave: appConfig.EvictOnLastLeave,
		Logger:           logger,
	})

	historyService, err := history.NewService(history.ServiceConfig{
		Store:         store,
		Documents:     registry,
		MaxDiffTokens: appConfig.DiffMaxTokens,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Registry:   registry,
		History:    historyService,
		Dispatcher: dispatcher,
		TypingIdle: appConfig.TypingIdle,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		flushErr := registry.Close(shutdownCtx)
		if flushErr != nil {
			logger.Error("final snapshot flush failed", zap.Error(flushErr))
		}
		return errors.Join(shutdownErr, flushErr)
	case err := <-errCh:
		if closeErr := registry.Close(context.Background()); closeErr != nil {
			logger.Error("final snapshot flush failed", zap.Error(closeErr))
		}
		return err
	}
}
