package chain

import (
	"context"

	"github.com/ardanlabs/blockforge/foundation/blockchain/block"
	"github.com/ardanlabs/blockforge/foundation/blockchain/pow"
)

//go:generate mockgen -source=$GOFILE -destination=mocks_test.go -package=$GOPACKAGE

type (
	// Store is the persistence the chain appends to and reverts from.
	Store interface {
		Store(ctx context.Context, b block.Block) (block.Block, error)
		Read(ctx context.Context, number uint64) (*block.Block, error)
		Head(ctx context.Context, offset uint64) (*block.Block, error)
		HeadRange(ctx context.Context, count uint64) ([]block.Block, error)
		Height(ctx context.Context) (uint64, error)
		Revert(ctx context.Context) (*block.Block, error)
	}

	// Prover finds the nonce solving a candidate block.
	Prover interface {
		Prove(ctx context.Context, req pow.ProofRequest) (*pow.ProofResult, error)
	}
)

// EventHandler defines a function that is called when events
// occur in the processing of blocks.
type EventHandler func(v string, args ...any)
