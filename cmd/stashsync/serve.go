// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mobiletoly/go-stashsync/stashserver"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// NewServeCommand creates the serve command
func NewServeCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collection authority over HTTP",
		Long: `Serve the /v1/{products,bags,tags} API. Without --database-url the
collections live in memory and are lost on exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.String("addr", ":8080", "listen address")
	f.String("database-url", "", "Postgres connection string (empty keeps collections in memory)")
	f.String("jwt-secret", "", "HMAC secret for session tokens")
	f.Duration("token-lifetime", time.Hour, "lifetime of tokens issued by /dummy-signin")
	f.Bool("disable-signin", false, "do not expose /dummy-signin")
	f.Bool("log-requests", true, "log every /v1 request")
	f.Int32("max-conns", 0, "Postgres pool size (0 keeps the driver default)")

	return cmd
}

func runServe(ctx context.Context, opts *RootOptions) error {
	v := opts.v
	logger := opts.Logger()

	components, err := stashserver.SetupServer(ctx, &stashserver.ServerConfig{
		DatabaseURL:   v.GetString("database-url"),
		JWTSecret:     v.GetString("jwt-secret"),
		Logger:        logger,
		LogRequests:   v.GetBool("log-requests"),
		MaxConns:      v.GetInt32("max-conns"),
		TokenLifetime: v.GetDuration("token-lifetime"),
		DisableSignin: v.GetBool("disable-signin"),
	})
	if err != nil {
		return fmt.Errorf("failed to set up server: %w", err)
	}
	defer components.Close()

	httpServer := &http.Server{
		Addr:         v.GetString("addr"),
		Handler:      components.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting stashsync server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server exited")
	return nil
}
