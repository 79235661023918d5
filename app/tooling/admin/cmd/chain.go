package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ardanlabs/blockforge/foundation/blockchain/block"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage"
	"github.com/spf13/cobra"
)

func heightCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "height",
		Short: "Print the number of blocks in the chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, store storage.Store) error {
				height, err := store.Height(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), height)
				return err
			})
		},
	}
}

func headCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "head [offset]",
		Short: "Print the head block, or the block offset blocks below it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var offset uint64
			if len(args) == 1 {
				n, err := strconv.ParseUint(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("parsing offset: %w", err)
				}
				offset = n
			}

			return withStore(cmd.Context(), opts, func(ctx context.Context, store storage.Store) error {
				b, err := store.Head(ctx, offset)
				if err != nil {
					return err
				}
				return renderBlock(cmd, b)
			})
		},
	}
}

func blockCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "block <number>",
		Short: "Print the block stored at a height",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parsing number: %w", err)
			}

			return withStore(cmd.Context(), opts, func(ctx context.Context, store storage.Store) error {
				b, err := store.Read(ctx, number)
				if err != nil {
					return err
				}
				return renderBlock(cmd, b)
			})
		},
	}
}

func rangeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "range <count>",
		Short: "Print the last count blocks in ascending order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parsing count: %w", err)
			}

			return withStore(cmd.Context(), opts, func(ctx context.Context, store storage.Store) error {
				blocks, err := store.HeadRange(ctx, count)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), blocks)
			})
		},
	}
}

func issuerCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "issuer <pubkey>",
		Short: "Print the blocks signed by an issuer, sqlite stores only",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, store storage.Store) error {
				ir, ok := storage.Unwrap(store).(interface {
					ReadByIssuer(ctx context.Context, issuer string) ([]block.Block, error)
				})
				if !ok {
					return fmt.Errorf("store kind %q does not index issuers", opts.storeKind)
				}

				blocks, err := ir.ReadByIssuer(ctx, args[0])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), blocks)
			})
		},
	}
}

func revertCmd(opts *options) *cobra.Command {
	var count int

	c := &cobra.Command{
		Use:   "revert",
		Short: "Remove blocks from the head of the chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, store storage.Store) error {
				for range count {
					b, err := store.Revert(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "reverted block %d %s\n", b.Number, b.Hash)
				}
				return nil
			})
		},
	}
	c.Flags().IntVarP(&count, "count", "n", 1, "Number of blocks to revert.")

	return c
}

func verifyCmd(opts *options) *cobra.Command {
	var zeros int
	var highMark string

	c := &cobra.Command{
		Use:   "verify <number>",
		Short: "Check the hashes, signature and proof of work of a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parsing number: %w", err)
			}

			return withStore(cmd.Context(), opts, func(ctx context.Context, store storage.Store) error {
				b, err := store.Read(ctx, number)
				if err != nil {
					return err
				}
				if b == nil {
					return fmt.Errorf("block %d not found", number)
				}

				if err := b.Verify(zeros, highMark); err != nil {
					return fmt.Errorf("block %d: %w", number, err)
				}

				_, err = fmt.Fprintf(cmd.OutOrStdout(), "block %d %s is valid\n", b.Number, b.Hash)
				return err
			})
		},
	}
	c.Flags().IntVar(&zeros, "zeros", 4, "Leading zeros the hash must have.")
	c.Flags().StringVar(&highMark, "high-mark", "", "Highest hex digit allowed after the zeros.")

	return c
}

// =============================================================================

// withStore opens the store, runs fn and closes the store.
func withStore(ctx context.Context, opts *options, fn func(ctx context.Context, store storage.Store) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, store.Close())
	}()

	return fn(ctx, store)
}

func renderBlock(cmd *cobra.Command, b *block.Block) error {
	if b == nil {
		return errors.New("block not found")
	}
	return render(cmd.OutOrStdout(), b)
}
