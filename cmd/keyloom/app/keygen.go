// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keyloom/keyloom/pkg/signer"
)

const minKeygenBits = 2048

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate signing and refresh-lookup key material",
		Long: `Generate a fresh RS256 signing key and a refresh-token lookup key and
print them as a keyloom.yaml fragment. The signing key id is derived from the
public key, so the printed kid always matches the key.`,
		RunE: runKeygen,
	}

	cmd.Flags().Int("bits", minKeygenBits, "RSA key size in bits")
	cmd.Flags().StringP("output", "o", "", "write the fragment to a file instead of stdout")

	return cmd
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	bits, err := cmd.Flags().GetInt("bits")
	if err != nil {
		return err
	}
	if bits < minKeygenBits {
		return fmt.Errorf("key size must be at least %d bits", minKeygenBits)
	}
	outputPath, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("generating signing key: %w", err)
	}
	pemBytes, err := signer.EncodePrivateKeyPEM(key)
	if err != nil {
		return fmt.Errorf("encoding signing key: %w", err)
	}
	kid, err := signer.DeriveKID(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("deriving key id: %w", err)
	}

	var lookup [32]byte
	if _, err := rand.Read(lookup[:]); err != nil {
		return fmt.Errorf("generating lookup key: %w", err)
	}

	out := cmd.OutOrStdout()
	if outputPath != "" {
		// Key material goes in 0600; the fragment holds the private key.
		f, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	fmt.Fprintf(out, "# signing key id: %s\n", kid)
	fmt.Fprintln(out, "signing_private_key: |")
	for _, line := range strings.Split(strings.TrimRight(string(pemBytes), "\n"), "\n") {
		fmt.Fprintf(out, "  %s\n", line)
	}
	fmt.Fprintf(out, "refresh_lookup_key: %s\n", hex.EncodeToString(lookup[:]))
	return nil
}
