// Package cmd contains the admin commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ardanlabs/blockforge/foundation/blockchain/chain"
	"github.com/ardanlabs/blockforge/foundation/blockchain/merkle"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage/backend"
	"github.com/ardanlabs/blockforge/foundation/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// options holds the persistent flags shared by every command.
type options struct {
	storeKind string
	storePath string
	hash      string
	currency  string
}

// NewRoot constructs the admin command tree.
func NewRoot(build string) *cobra.Command {
	var opts options

	rootCmd := &cobra.Command{
		Use:           "admin",
		Short:         "Administrative tasks for a blockforge node",
		Version:       build,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.storeKind, "store-kind", "k", backend.KindBadger, fmt.Sprintf("Kind of store %v.", backend.Kinds()))
	rootCmd.PersistentFlags().StringVarP(&opts.storePath, "store-path", "p", "zblock/badger", "Location of the store.")
	rootCmd.PersistentFlags().StringVar(&opts.hash, "hash", "sha256", "Merkle hash strategy, sha256 or blake3.")
	rootCmd.PersistentFlags().StringVar(&opts.currency, "currency", "blockforge", "Currency of the chain.")

	rootCmd.AddCommand(
		keygenCmd(),
		heightCmd(&opts),
		headCmd(&opts),
		blockCmd(&opts),
		rangeCmd(&opts),
		issuerCmd(&opts),
		revertCmd(&opts),
		verifyCmd(&opts),
		setCmd(&opts),
		proofCmd(&opts),
		merkleCmd(&opts),
	)

	return rootCmd
}

// =============================================================================

// openStore opens the store named by the persistent flags.
func (o *options) openStore(ctx context.Context) (storage.Store, error) {
	return backend.Open(ctx, backend.Config{
		Kind: o.storeKind,
		Path: o.storePath,
	})
}

// merkleOptions returns the tree options for the configured hash strategy.
func (o *options) merkleOptions() ([]func(t *merkle.Tree), error) {
	switch o.hash {
	case "sha256":
		return nil, nil
	case "blake3":
		return []func(t *merkle.Tree){merkle.WithHashStrategy(merkle.Blake3)}, nil
	}
	return nil, fmt.Errorf("unknown merkle hash %q", o.hash)
}

// openChain replays the store to rebuild the membership trees.
func (o *options) openChain(ctx context.Context, store storage.Store, log *zap.SugaredLogger) (*chain.Chain, error) {
	mo, err := o.merkleOptions()
	if err != nil {
		return nil, err
	}

	return chain.New(ctx, chain.Config{
		Store:         store,
		Log:           log,
		Currency:      o.currency,
		MerkleOptions: mo,
	})
}

// newLogger builds the logger for commands that replay the chain. Logs go to
// stderr so command output stays parseable.
func newLogger() (*zap.SugaredLogger, error) {
	return logger.New("ADMIN", "stderr")
}

// render renders v as indented JSON.
func render(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
