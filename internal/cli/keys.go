package cli

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pullci/internal/security"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the ledger signing keys",
	}
	cmd.AddCommand(keysGenerateCmd())
	return cmd
}

func keysGenerateCmd() *cobra.Command {
	var (
		dir   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an ed25519 key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pubPath := filepath.Join(dir, security.PublicKeyFile)
			privPath := filepath.Join(dir, security.PrivateKeyFile)
			if _, err := os.Stat(privPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to replace it)", privPath)
			}
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return err
			}
			pub, priv, err := security.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("keygen: %w", err)
			}
			if err := security.SaveKeyPair(pub, priv, pubPath, privPath); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "private key: %s\n", privPath)
			fmt.Fprintf(out, "public key:  %s\n", pubPath)
			fmt.Fprintf(out, "public key (hex): %s\n", hex.EncodeToString(pub))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "keys", "Directory for the key files")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing keys")
	return cmd
}
