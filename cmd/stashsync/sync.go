// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/mobiletoly/go-stashsync/stashhttp"
	"github.com/mobiletoly/go-stashsync/stashserver"
	"github.com/mobiletoly/go-stashsync/stashsqlite"
	"github.com/mobiletoly/go-stashsync/stashsync"
	"github.com/spf13/cobra"
)

// NewSyncCommand creates the sync command
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile a local cache with the server once",
		Long: `Fetch every collection of the user and reconcile the local SQLite cache
against it. Pending local creates and local-only fields are kept.

Authenticate with --token, or with --jwt-secret to sign a token locally.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.String("server", "http://localhost:8080", "server base URL")
	f.String("db", "stashsync.db", "local cache database file")
	f.String("user", "", "user whose collections are synced")
	f.String("token", "", "session token")
	f.String("jwt-secret", "", "sign a session token locally with this secret")
	f.String("device", "cli", "device id for locally signed tokens")
	f.Duration("timeout", time.Minute, "give up after this long")

	return cmd
}

func runSync(ctx context.Context, opts *RootOptions, out io.Writer) error {
	v := opts.v
	logger := opts.Logger()

	user := v.GetString("user")
	if user == "" {
		return errors.New("user is required")
	}
	tokens, err := tokenSource(v.GetString("token"), v.GetString("jwt-secret"), v.GetString("device"))
	if err != nil {
		return err
	}

	if timeout := v.GetDuration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	store, err := stashsqlite.Open(ctx, v.GetString("db"), stashsqlite.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer func() { _ = store.Close() }()
	if store.Recovered() {
		logger.Warn("Local cache was corrupt and has been recreated", "db", v.GetString("db"))
	}

	config := stashsync.DefaultConfig()
	config.OnAuthRequired = func(_ context.Context, scope stashsync.Scope) {
		logger.Error("Server rejected the session token", "user", scope)
	}

	remote := stashhttp.NewClient(v.GetString("server"), tokens, logger)
	engine := stashsync.NewEngine(store, remote, config, logger)
	defer func() { _ = engine.Close() }()

	results, err := engine.SyncNow(ctx, stashsync.Scope(user))
	printResults(out, results)
	return err
}

func tokenSource(token, secret, device string) (stashhttp.TokenSource, error) {
	switch {
	case token != "":
		return func(context.Context, stashsync.Scope) (string, error) { return token, nil }, nil
	case secret != "":
		jwtAuth := stashserver.NewJWTAuth(secret)
		return func(_ context.Context, scope stashsync.Scope) (string, error) {
			return jwtAuth.GenerateToken(string(scope), device, time.Hour)
		}, nil
	default:
		return nil, errors.New("either token or jwt-secret is required")
	}
}

func printResults(out io.Writer, results []stashsync.ReconcileResult) {
	if len(results) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COLLECTION\tFETCHED\tCREATED\tUPDATED\tDELETED\tUNCHANGED\tDUPLICATES")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.Type.Collection(), r.Fetched, r.Created, r.Updated, r.Deleted, r.Unchanged, r.Duplicates)
	}
	_ = w.Flush()
}
