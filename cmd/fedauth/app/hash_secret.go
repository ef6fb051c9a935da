// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stacklok/fedauth/pkg/authserver/server/crypto"
)

func newHashSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-secret",
		Short: "Hash a client secret for the configuration file",
		Long: `Read a client secret from standard input and print the hash to put in
the secret_hash field of a client. Plain secrets are never configured.

  echo -n "$CLIENT_SECRET" | fedauth hash-secret`,
		Args: cobra.NoArgs,
		RunE: runHashSecret,
	}
	cmd.Flags().Int("iterations", crypto.DefaultSecretIterations, "PBKDF2 iteration count")
	return cmd
}

func runHashSecret(cmd *cobra.Command, _ []string) error {
	iterations, err := cmd.Flags().GetInt("iterations")
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	var secret string
	if scanner.Scan() {
		secret = strings.TrimRight(scanner.Text(), "\r")
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read secret: %w", err)
	}
	if secret == "" {
		return errors.New("no secret on standard input")
	}

	hash, err := crypto.HashSecret(secret, iterations)
	if err != nil {
		return fmt.Errorf("failed to hash secret: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), hash.Encode())
	return err
}
