// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-stashsync/stashserver"
	"github.com/spf13/cobra"
)

// NewTokenCommand creates the token command
func NewTokenCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := opts.v
			secret := v.GetString("jwt-secret")
			if secret == "" {
				return errors.New("jwt-secret is required")
			}
			user := v.GetString("user")
			if user == "" {
				return errors.New("user is required")
			}
			tok, err := stashserver.NewJWTAuth(secret).GenerateToken(user, v.GetString("device"), v.GetDuration("ttl"))
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}

	f := cmd.Flags()
	f.String("user", "", "user id placed in the token subject")
	f.String("device", "cli", "device id")
	f.Duration("ttl", 24*time.Hour, "token lifetime")
	f.String("jwt-secret", "", "HMAC secret shared with the server")

	return cmd
}
