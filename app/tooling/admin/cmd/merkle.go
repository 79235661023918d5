package cmd

import (
	"context"
	"fmt"

	"github.com/ardanlabs/blockforge/foundation/blockchain/chain"
	"github.com/ardanlabs/blockforge/foundation/blockchain/merkle"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage"
	"github.com/spf13/cobra"
)

func setCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "set <members|certifications>",
		Short:     "Rebuild a membership set from the chain and print its tree",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{chain.SetMembers, chain.SetCertifications},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTree(cmd.Context(), opts, args[0], func(tree *merkle.Tree) error {
				return render(cmd.OutOrStdout(), tree)
			})
		},
	}
}

func proofCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "proof <set> <leaf>",
		Short: "Print the membership proof of a leaf",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTree(cmd.Context(), opts, args[0], func(tree *merkle.Tree) error {
				steps, err := tree.Proof(args[1])
				if err != nil {
					return fmt.Errorf("leaf %q: %w", args[1], err)
				}

				resp := struct {
					Root  string             `json:"root"`
					Leaf  string             `json:"leaf"`
					Steps []merkle.ProofStep `json:"steps"`
				}{
					Root:  tree.Root(),
					Leaf:  args[1],
					Steps: steps,
				}

				return render(cmd.OutOrStdout(), resp)
			})
		},
	}
}

func merkleCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "merkle [leaves...]",
		Short: "Print the tree built from the given leaves",
		RunE: func(cmd *cobra.Command, args []string) error {
			mo, err := opts.merkleOptions()
			if err != nil {
				return err
			}

			return render(cmd.OutOrStdout(), merkle.NewTree(args, mo...))
		},
	}
}

// withTree replays the chain and hands the named tree to fn.
func withTree(ctx context.Context, opts *options, name string, fn func(tree *merkle.Tree) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	return withStore(ctx, opts, func(ctx context.Context, store storage.Store) error {
		ch, err := opts.openChain(ctx, store, log)
		if err != nil {
			return err
		}

		tree, exists := ch.Tree(name)
		if !exists {
			return fmt.Errorf("set %q does not exist", name)
		}

		return fn(tree)
	})
}
