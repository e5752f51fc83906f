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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/badgehub/badgehub-core/internal/config"
	"github.com/badgehub/badgehub-core/internal/logging"
	"github.com/badgehub/badgehub-core/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve hosted badge documents",
	Long: `Serve the public badge endpoints.

Configuration is read from BADGEHUB_* environment variables and an optional
.env file in the working directory:

  BADGEHUB_BASE_URL       public origin of hosted ids
  BADGEHUB_LISTEN_ADDR    listen address (default :8080)
  BADGEHUB_DB_DRIVER      sqlite or postgres
  BADGEHUB_DB_DSN         database DSN
  BADGEHUB_REDIS_URL      redis:// URL of the projection cache (optional)
  BADGEHUB_SIGNING_URL    signing service base URL (optional)
  BADGEHUB_TRUST_DIR      trust store directory`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.ListenAddr = serveAddr
		}
		level, format := cfg.Logging.Level, cfg.Logging.Format
		if cmd.Flags().Changed("log-level") {
			level = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			format = logFormat
		}
		logger, err := logging.New(level, format)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := server.New(server.Config{
		Service:  a.service,
		Gatherer: a.registry,
		Metrics:  server.NewMetrics(a.registry),
		Health:   a.health,
		Logger:   logger.Named("http"),
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Starting badgehub",
			zap.String("address", cfg.ListenAddr),
			zap.String("base_url", cfg.BaseURL),
			zap.String("database", cfg.Database.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides BADGEHUB_LISTEN_ADDR)")
}
