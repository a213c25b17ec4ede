// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const envPrefix = "STASHSYNC"

// RootOptions holds flags and state shared by every command
type RootOptions struct {
	ConfigFile string
	LogLevel   string
	LogFormat  string
	LogFile    string

	v        *viper.Viper
	logger   *slog.Logger
	previous *slog.Logger
	closers  []io.Closer
}

// NewRootCommand creates the stashsync root command
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "stashsync",
		Short: "Local cache synchronization for bags, tags and products",
		Long: `stashsync keeps a local SQLite cache in step with the remote collection
authority. It can serve the authority itself, reconcile a cache on demand and
issue development tokens.

Settings are read from flags, STASHSYNC_* environment variables and an
optional stashsync.yaml (current directory or the user config directory).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.init(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return opts.close()
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.ConfigFile, "config", "", "config file (default ./stashsync.yaml)")
	pf.StringVar(&opts.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.StringVar(&opts.LogFormat, "log-format", "text", "log format: text or json")
	pf.StringVar(&opts.LogFile, "log-file", "", "write logs to this file with rotation instead of stderr")
	pf.Int("log-max-size", 10, "rotate the log file after this many megabytes")
	pf.Int("log-max-backups", 3, "rotated log files to keep")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

// init loads configuration for the command being executed and builds the logger
func (o *RootOptions) init(cmd *cobra.Command) error {
	v := o.v
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	if err := v.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	if err := o.readConfig(); err != nil {
		return err
	}

	logger, err := o.buildLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	o.logger = logger
	o.previous = slog.Default()
	slog.SetDefault(logger)
	logger.Debug("Logger initialized",
		"command", cmd.CommandPath(),
		"log_level", v.GetString("log-level"),
		"log_format", v.GetString("log-format"))
	if used := v.ConfigFileUsed(); used != "" {
		logger.Debug("Loaded config", "file", used)
	}
	return nil
}

func (o *RootOptions) readConfig() error {
	v := o.v
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", file, err)
		}
		return nil
	}

	v.SetConfigName("stashsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "stashsync"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

func (o *RootOptions) buildLogger(stderr io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.v.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	out := stderr
	if file := o.v.GetString("log-file"); file != "" {
		rotating := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    o.v.GetInt("log-max-size"),
			MaxBackups: o.v.GetInt("log-max-backups"),
			Compress:   true,
		}
		o.closers = append(o.closers, rotating)
		out = rotating
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	switch format := o.v.GetString("log-format"); format {
	case "text", "":
		return slog.New(slog.NewTextHandler(out, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(out, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func (o *RootOptions) close() error {
	if o.previous != nil {
		slog.SetDefault(o.previous)
		o.previous = nil
	}
	var errs []error
	for _, c := range o.closers {
		errs = append(errs, c.Close())
	}
	o.closers = nil
	return errors.Join(errs...)
}

// Logger returns the configured logger, or slog.Default before init
func (o *RootOptions) Logger() *slog.Logger {
	if o.logger == nil {
		return slog.Default()
	}
	return o.logger
}
