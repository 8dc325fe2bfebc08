// DocVault Server
//
// Multi-user document management backend:
// - Per-user virtual folder trees mirrored onto local disk or S3
// - Create, upload, rename, move and recursive delete
// - JWT auth with default folders provisioned on registration
// - SSE change events, rate limiting, Prometheus metrics
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/docvault/internal/config"
	"github.com/fruitsalade/docvault/internal/logging"
	"github.com/fruitsalade/docvault/internal/metadata"
	badgerstore "github.com/fruitsalade/docvault/internal/metadata/badger"
	"github.com/fruitsalade/docvault/internal/metadata/postgres"
	"github.com/fruitsalade/docvault/internal/storage"
	_ "github.com/fruitsalade/docvault/internal/storage/local"
	_ "github.com/fruitsalade/docvault/internal/storage/s3"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "docvault",
	Short:         "Multi-user document management server",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, migrateCmd, repairCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads configuration and initializes logging.
func setup() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return nil, fmt.Errorf("logging init error: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured metadata store. Postgres is migrated
// before use.
func openStore(ctx context.Context, cfg *config.Config) (metadata.Store, func(), error) {
	switch cfg.MetadataBackend {
	case "postgres":
		logging.Info("connecting to PostgreSQL...")
		pg, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migration failed: %w", err)
		}
		return pg, func() { pg.Close() }, nil
	default:
		logging.Info("opening badger store", zap.String("path", cfg.BadgerPath))
		bs, err := badgerstore.New(badgerstore.Config{Path: cfg.BadgerPath})
		if err != nil {
			return nil, nil, fmt.Errorf("badger open failed: %w", err)
		}
		return bs, func() { bs.Close() }, nil
	}
}

// openBackend creates the configured physical backend with retries on
// transient failures.
func openBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	b, err := storage.New(ctx, cfg.StorageBackend, cfg.StorageOptions())
	if err != nil {
		return nil, fmt.Errorf("storage backend init failed: %w", err)
	}
	logging.Info("storage backend ready", zap.String("backend", cfg.StorageBackend))
	return storage.WithRetry(b), nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply metadata store migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		defer logging.Sync()

		if cfg.MetadataBackend != "postgres" {
			logging.Info("badger store needs no migrations")
			return nil
		}
		_, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		closeStore()
		logging.Info("migrations applied")
		return nil
	},
}
