package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/docvault/internal/api"
	"github.com/fruitsalade/docvault/internal/auth"
	"github.com/fruitsalade/docvault/internal/events"
	"github.com/fruitsalade/docvault/internal/logging"
	"github.com/fruitsalade/docvault/internal/metrics"
	"github.com/fruitsalade/docvault/internal/models"
	"github.com/fruitsalade/docvault/internal/quota"
	"github.com/fruitsalade/docvault/internal/vfs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	defer logging.Sync()

	logging.Info("DocVault server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("metadata", cfg.MetadataBackend),
		zap.String("storage", cfg.StorageBackend))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	broadcaster := events.NewBroadcaster()
	engine := vfs.New(store, backend, vfs.WithPublisher(broadcaster))

	authHandler := auth.New(store, cfg.JWTSecret, cfg.TokenTTL,
		auth.WithHook(func(ctx context.Context, u *models.User) error {
			n, err := engine.Provision(ctx, u.ID, cfg.DefaultFolders)
			logging.Info("default folders provisioned",
				zap.Int64("user_id", u.ID), zap.Int("created", n))
			return err
		}))

	rateLimiter := quota.NewRateLimiter(cfg.DefaultRequestsPerMin)
	go rateLimiter.RunCleanup(ctx, time.Hour, 24*time.Hour)

	srv := api.NewServer(engine, authHandler, broadcaster, rateLimiter, cfg.MaxUploadSize)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLSEnabled() {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Periodic DB pool metrics
	if pm, ok := store.(interface{ UpdateConnectionMetrics() }); ok {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					pm.UpdateConnectionMetrics()
				}
			}
		}()
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logging.Info("shutting down...")
		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			// SSE streams keep connections open until their context ends.
			httpServer.Close()
		}
		if metricsServer != nil {
			metricsServer.Close()
		}
	}()

	if cfg.TLSEnabled() {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		err = httpServer.ListenAndServe()
	}
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
