// Command tarn creates micromamba environments and runs module functions in
// them through isolated worker processes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/tarn/internal/config"
	"github.com/seantiz/tarn/internal/manager"
	_ "github.com/seantiz/tarn/internal/modules"
	"github.com/seantiz/tarn/internal/settings"
	"github.com/seantiz/tarn/internal/store"
	"github.com/seantiz/tarn/internal/telemetry"
)

const serviceName = "tarn"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()

	root := &cobra.Command{
		Use:   "tarn",
		Short: "Run functions in isolated micromamba environments",
		Long: `tarn creates micromamba environments from dependency lists, starts a
worker process inside each one, and runs module functions there, keeping
conflicting dependencies apart.

Configuration is read from TARN_* environment variables; flags override them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("root", cfg.Root, "micromamba root prefix")
	root.PersistentFlags().String("db", cfg.DBPath, "Path to the state database")
	root.PersistentFlags().String("log-level", cfg.LogLevel.String(), "Log level (debug, info, warn, error)")

	root.AddCommand(
		newCreateCmd(),
		newInstallCmd(),
		newExecCmd(),
		newListCmd(),
		newLogsCmd(),
		newModulesCmd(),
		newProxiesCmd(),
		newRunCmd(),
		newServeCmd(),
	)
	return root
}

// app holds the controller's long-lived dependencies for one command.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	settings *settings.Settings
	store    *store.SQLiteStore
	manager  *manager.Manager

	shutdownTelemetry func(context.Context) error
}

// loadConfig applies the persistent flags on top of the environment.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Load()

	var err error
	if cfg.Root, err = cmd.Flags().GetString("root"); err != nil {
		return cfg, fmt.Errorf("failed to get root flag: %w", err)
	}
	if cfg.DBPath, err = cmd.Flags().GetString("db"); err != nil {
		return cfg, fmt.Errorf("failed to get db flag: %w", err)
	}
	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return cfg, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	cfg.LogLevel = config.ParseLogLevel(level)
	return cfg, nil
}

// newApp opens the store and builds the manager. Logs go to stderr so
// stdout carries only command results.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel)

	shutdownTelemetry, err := telemetry.SetupProvider(cmd.Context(), telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    true,
	})
	if err != nil {
		return nil, err
	}

	s, err := settings.New(cfg.Root, logger)
	if err != nil {
		shutdownTelemetry(cmd.Context())
		return nil, err
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		shutdownTelemetry(cmd.Context())
		return nil, fmt.Errorf("open database: %w", err)
	}

	m, err := manager.New(manager.Options{
		Settings:       s,
		Store:          db,
		Logger:         logger,
		WorkerBin:      cfg.WorkerBin,
		PythonVersion:  cfg.PythonVersion,
		Network:        cfg.Network,
		VsockCID:       cfg.VsockCID,
		RequestTimeout: cfg.RequestTimeout,
		LaunchTimeout:  cfg.LaunchTimeout,
	})
	if err != nil {
		db.Close()
		shutdownTelemetry(cmd.Context())
		return nil, err
	}

	return &app{
		cfg:               cfg,
		logger:            logger,
		settings:          s,
		store:             db,
		manager:           m,
		shutdownTelemetry: shutdownTelemetry,
	}, nil
}

// Close exits every worker the command started, then flushes telemetry and
// closes the store.
func (a *app) Close() error {
	ctx := context.Background()
	var errs []error
	if err := a.manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.shutdownTelemetry(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// withApp runs fn with a fresh app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(*app) error) (err error) {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			a.logger.Error("shutdown", "error", cerr)
			if err == nil {
				err = cerr
			}
		}
	}()
	return fn(a)
}
