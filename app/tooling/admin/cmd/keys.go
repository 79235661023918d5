package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ardanlabs/blockforge/foundation/blockchain/signature"
	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	var path string
	var force bool

	c := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the signing key of a node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("key %s already exists, use --force to replace it", path)
			}

			pair, err := signature.GenerateKeyPair()
			if err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return fmt.Errorf("creating key folder: %w", err)
			}

			if err := signature.SaveKeyPair(path, pair); err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), pair.Pub)
			return err
		},
	}
	c.Flags().StringVar(&path, "key", "zblock/node.ecdsa", "Path of the key file.")
	c.Flags().BoolVar(&force, "force", false, "Replace an existing key.")

	return c
}
