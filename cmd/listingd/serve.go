package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/snaplist/listingd/internal/config"
	"github.com/snaplist/listingd/pkg/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP job API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			cfg.Version = version
			if port > 0 {
				cfg.Port = port
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides LISTINGD_PORT)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.Info().Str("version", cfg.Version).Msg("🏷️  listingd starting...")

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", srv.Port).Msg("🔥 listingd is ready")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// fang cancels ctx on SIGINT/SIGKILL.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info().Msg("🛑 Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	return srv.Shutdown(shutdownCtx)
}
