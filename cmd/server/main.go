package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"priorityq/internal/config"
	logpkg "priorityq/internal/log"
	"priorityq/internal/models"
	"priorityq/internal/queue"
	"priorityq/internal/storage"
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "priorityq",
		Short:         "Priority work queue on a shared store",
		Long:          "priorityq runs a durable, priority-ordered work queue on SQLite, PostgreSQL, Redis or MongoDB.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("env-file", ".env", "optional dotenv file with PRIORITYQ_* settings")
	flags.String("backend", "", "store backend: sqlite|postgres|redis|mongo|memory")
	flags.String("database", "", "database (or schema) holding the collection")
	flags.String("collection", "", "collection name")
	flags.String("log-level", "", "log level: debug|info|warn|error")
	flags.String("log-format", "", "log format: json|console")

	rootCmd.AddCommand(newServeCmd(), newInitCmd(), newPushCmd(), newClaimCmd())
	return rootCmd
}

// loadConfig reads env and dotenv settings, then applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"backend":    &cfg.Backend,
		"database":   &cfg.Database,
		"collection": &cfg.Collection,
		"log-level":  &cfg.LogLevel,
		"log-format": &cfg.LogFormat,
	}
	for name, dst := range overrides {
		if v, _ := cmd.Flags().GetString(name); v != "" {
			*dst = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app bundles what every subcommand needs.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  queue.Store
	close  func() error
}

func setup(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := logpkg.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	store, closeFn, err := storage.Open(ctx, cfg, logpkg.Component(logger, "storage"))
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	return &app{cfg: cfg, logger: logger, store: store, close: closeFn}, nil
}

func (a *app) namespace() models.Namespace {
	return models.Namespace{Database: a.cfg.Database, Collection: a.cfg.Collection}
}

// controller creates and initializes the queue controller.
func (a *app) controller(ctx context.Context, opts ...queue.Option) (*queue.Controller, error) {
	opts = append([]queue.Option{
		queue.WithRetention(a.cfg.Retention),
		queue.WithLogger(logpkg.Component(a.logger, "queue")),
	}, opts...)
	ctrl, err := queue.New(a.store, a.namespace(), opts...)
	if err != nil {
		return nil, err
	}
	if err := ctrl.Initialize(ctx); err != nil {
		return nil, err
	}
	return ctrl, nil
}

func (a *app) shutdown() {
	if err := a.close(); err != nil {
		a.logger.Warn("failed to close store", zap.Error(err))
	}
	a.logger.Sync()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
