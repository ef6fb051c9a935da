// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the fedauth command-line application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/fedauth/pkg/logger"
)

// version is replaced at build time using ldflags.
var version = "dev"

// NewRootCmd creates a new root command for the fedauth CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "fedauth",
		DisableAutoGenTag: true,
		Short:             "fedauth - OpenID Connect provider federating to an upstream IdP",
		Long: `fedauth is an OpenID Connect provider and OAuth 2.0 authorization server.
It authenticates users at an upstream OpenID Connect identity provider and issues
its own ID tokens, access tokens and refresh tokens to registered clients.

Configuration is read from a YAML file (--config). Every key can be overridden
by an environment variable prefixed with FEDAUTH_, with dots replaced by
underscores, for example FEDAUTH_UPSTREAM_CLIENT_SECRET.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorw("error displaying help", "error", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorw("error binding debug flag", "error", err)
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the fedauth configuration file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newHashSecretCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "fedauth version: %s\n", version)
			return err
		},
	}
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate the configuration file without starting the server.

This command checks:
- YAML syntax validity
- Required fields presence
- Client registrations, including secret hashes and key sets
- Storage backend configuration`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath(cmd))
			if err != nil {
				return err
			}
			if err := cfg.Check(); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration is valid")
			fmt.Fprintf(out, "  Issuer:   %s\n", cfg.Issuer)
			fmt.Fprintf(out, "  Upstream: %s\n", cfg.Upstream.Issuer)
			fmt.Fprintf(out, "  Storage:  %s\n", storageType(cfg))
			fmt.Fprintf(out, "  Clients:  %d\n", len(cfg.Clients))

			if printConfig, _ := cmd.Flags().GetBool("print"); printConfig {
				return writeRedacted(out, cfg)
			}
			return nil
		},
	}
	cmd.Flags().Bool("print", false, "Print the loaded configuration as YAML with secrets redacted")
	return cmd
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}
