// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/config"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/orchestrator"
	"github.com/AleutianAI/autoupgrader/pkg/logging"
)

// options holds the persistent flags.
type options struct {
	configPath string
	role       string
	verbose    bool
	quiet      bool
	logJSON    bool
	logDir     string
}

func (o *options) logConfig() logging.Config {
	cfg := logging.Config{Level: logging.LevelInfo, Service: "autoupgrader", LogDir: o.logDir, Quiet: o.quiet}
	if o.verbose {
		cfg.Level = logging.LevelDebug
	}
	if o.logJSON {
		cfg.Format = logging.FormatJSON
	}
	return cfg
}

// loadConfig reads the configuration and applies the --role override.
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.role != "" {
		cfg.Role = o.role
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "autoupgrader",
		Short: "Upgrade the services of a host role to the newest release",
		Long: `autoupgrader pulls the newest release of a role, sets up its services,
migrates their stores, switches the activation links and starts the new
services. Any failure unwinds every completed step in reverse order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "configuration file")
	flags.StringVar(&opts.role, "role", "", "host role (miner|validator), overrides the configuration")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "no logging to stderr")
	flags.BoolVar(&opts.logJSON, "log-json", false, "JSON logs on stderr even on a terminal")
	flags.StringVar(&opts.logDir, "log-dir", "", "also write JSON logs to this directory")

	root.AddCommand(
		&cobra.Command{
			Use:   "rollout",
			Short: "Upgrade to the newest published release",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runOnce(cmd.Context(), opts, orchestrator.DirectionRollout)
			},
		},
		&cobra.Command{
			Use:   "rollback",
			Short: "Return to the release active before the last upgrade",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runOnce(cmd.Context(), opts, orchestrator.DirectionRollback)
			},
		},
		&cobra.Command{
			Use:   "loop",
			Short: "Roll out continuously until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runLoop(cmd.Context(), opts)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the active release, services and recent runs",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runStatus(cmd.Context(), opts, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the autoupgrader version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), buildVersion)
			},
		},
		newConfigCmd(opts),
	)
	return root
}

func newConfigCmd(opts *options) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration",
	}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to --config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(opts.configPath); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", opts.configPath)
				return nil
			}
			if err := config.WriteDefault(opts.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", opts.configPath)
			return nil
		},
	})
	return cfgCmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
