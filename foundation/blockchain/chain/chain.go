// Package chain assembles candidate blocks into the chain. It keeps one
// merkle tree per membership set in step with the stored blocks, asks the
// prover to solve each new block and reverts blocks along with their
// membership changes.
package chain

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ardanlabs/blockforge/foundation/blockchain/block"
	"github.com/ardanlabs/blockforge/foundation/blockchain/merkle"
	"github.com/ardanlabs/blockforge/foundation/blockchain/pow"
	"github.com/ardanlabs/blockforge/foundation/blockchain/signature"
	"go.uber.org/zap"
)

// Set of membership sets tracked by the chain.
const (
	SetMembers        = "members"
	SetCertifications = "certifications"
)

// Set of errors returned when a block does not fit the chain.
var (
	ErrNotNext      = errors.New("block does not follow the head")
	ErrRootMismatch = errors.New("block roots do not match the membership changes")
	ErrInvalidDelta = errors.New("block membership changes do not apply")
)

// Config represents the configuration required to start the chain.
type Config struct {
	Store            Store
	Prover           Prover
	Log              *zap.SugaredLogger
	EvHandler        EventHandler
	Currency         string
	Pair             signature.KeyPair
	Zeros            int
	HighMark         string
	MedianTimeBlocks int
	AvgGenTime       int
	MerkleOptions    []func(t *merkle.Tree)
	Now              func() time.Time
}

// Candidate is the content of the next block before it is solved.
type Candidate struct {
	PowMin         int
	Joiners        []string
	Leavers        []string
	Certifications []string
	Transactions   []string
}

// Chain manages the blocks of the chain and the membership trees derived
// from them.
type Chain struct {
	store      Store
	prover     Prover
	log        *zap.SugaredLogger
	evHandler  EventHandler
	currency   string
	pair       signature.KeyPair
	zeros      int
	highMark   string
	medianTime int
	avgGenTime int
	now        func() time.Time

	mu    sync.Mutex
	trees map[string]*merkle.Tree
}

// New constructs a chain and rebuilds the membership trees by replaying the
// stored blocks.
func New(ctx context.Context, cfg Config) (*Chain, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	c := Chain{
		store:      cfg.Store,
		prover:     cfg.Prover,
		log:        cfg.Log,
		evHandler:  ev,
		currency:   cfg.Currency,
		pair:       cfg.Pair,
		zeros:      cfg.Zeros,
		highMark:   cfg.HighMark,
		medianTime: cfg.MedianTimeBlocks,
		avgGenTime: cfg.AvgGenTime,
		now:        now,
		trees: map[string]*merkle.Tree{
			SetMembers:        merkle.NewTree(nil, cfg.MerkleOptions...),
			SetCertifications: merkle.NewTree(nil, cfg.MerkleOptions...),
		},
	}

	height, err := c.store.Height(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading height: %w", err)
	}

	if height > 0 {
		blocks, err := c.store.HeadRange(ctx, height)
		if err != nil {
			return nil, fmt.Errorf("reading blocks: %w", err)
		}

		for _, b := range blocks {
			members, certs := c.trees[SetMembers], c.trees[SetCertifications]
			if err := apply(members, certs, b); err != nil {
				return nil, fmt.Errorf("replaying block %d: %w", b.Number, err)
			}
		}
	}

	ev("chain: New: replayed blocks[%d] members[%d] certifications[%d]", height, c.trees[SetMembers].Count(), c.trees[SetCertifications].Count())

	return &c, nil
}

// Mine builds the next block from the candidate, has it solved by the
// prover and appends it. A nil block with a nil error means the proof was
// cancelled before a nonce was found. The chain is not locked while the
// prover searches; if the chain moved in the meantime the proven block is
// discarded with ErrNotNext.
func (c *Chain) Mine(ctx context.Context, cand Candidate) (*block.Block, error) {
	c.evHandler("chain: Mine: started")
	defer c.evHandler("chain: Mine: completed")

	next, err := c.prepare(ctx, cand)
	if err != nil {
		return nil, err
	}
	b := next.req.Block

	c.evHandler("chain: Mine: block[%d] members[%d] root[%s]: perform POW", b.Number, b.MembersCount, b.MembersRoot)

	result, err := c.prover.Prove(ctx, next.req)
	if err != nil {
		return nil, fmt.Errorf("proving block %d: %w", b.Number, err)
	}

	if result == nil {
		c.evHandler("chain: Mine: block[%d]: proof cancelled", b.Number)
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.trees[SetMembers] != next.baseMembers || c.trees[SetCertifications] != next.baseCerts {
		return nil, fmt.Errorf("block %d: chain changed while proving: %w", b.Number, ErrNotNext)
	}

	head, err := c.store.Head(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("reading head: %w", err)
	}

	var headHash string
	if head != nil {
		headHash = head.Hash
	}
	if headHash != b.PreviousHash {
		return nil, fmt.Errorf("block %d: chain changed while proving: %w", b.Number, ErrNotNext)
	}

	proven := result.Block
	if err := c.check(proven, b.Number, b.PreviousHash); err != nil {
		return nil, err
	}

	stored, err := c.store.Store(ctx, proven)
	if err != nil {
		return nil, fmt.Errorf("storing block %d: %w", proven.Number, err)
	}

	c.trees[SetMembers] = next.members
	c.trees[SetCertifications] = next.certs

	c.log.Infow("chain", "status", "block mined", "number", stored.Number, "hash", stored.Hash, "tests", result.TestsCount)
	c.evHandler("chain: Mine: block[%d] hash[%s] tests[%d]: stored", stored.Number, stored.Hash, result.TestsCount)

	return &stored, nil
}

// candidate is a block ready for the prover along with the trees it was
// built from and the trees it produces.
type candidate struct {
	req         pow.ProofRequest
	baseMembers *merkle.Tree
	baseCerts   *merkle.Tree
	members     *merkle.Tree
	certs       *merkle.Tree
}

// prepare builds the proof request for the next block under the chain lock.
func (c *Chain) prepare(ctx context.Context, cand Candidate) (candidate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	head, err := c.store.Head(ctx, 0)
	if err != nil {
		return candidate{}, fmt.Errorf("reading head: %w", err)
	}

	b := block.Block{
		Version:  block.Version,
		Currency: c.currency,
		PowMin:   cand.PowMin,
		Issuer:   c.pair.Pub,
	}

	var forcedTime *int64
	switch head {
	case nil:
		now := c.now().Unix()
		b.MedianTime = now
		forcedTime = &now

	default:
		b.Number = head.Number + 1
		b.PreviousHash = head.Hash
		b.PreviousIssuer = head.Issuer

		median, err := c.medianTimeOfHead(ctx)
		if err != nil {
			return candidate{}, err
		}
		b.MedianTime = median
	}

	// Only real changes go into the block so a revert restores the sets
	// exactly.
	members, certs := c.clones()
	b.Joiners = absent(members, cand.Joiners)
	b.Leavers = present(members, cand.Leavers)
	b.Certifications = absent(certs, cand.Certifications)
	b.Transactions = slices.Clone(cand.Transactions)

	if err := apply(members, certs, b); err != nil {
		return candidate{}, err
	}
	b.MembersRoot = members.Root()
	b.MembersCount = members.Count()
	b.CertificationsRoot = certs.Root()

	next := candidate{
		req: pow.ProofRequest{
			Block:      b,
			Zeros:      c.zeros,
			HighMark:   c.highMark,
			Pair:       c.pair,
			ForcedTime: forcedTime,
			Conf: pow.ProofConf{
				MedianTimeBlocks: c.medianTime,
				AvgGenTime:       c.avgGenTime,
			},
		},
		baseMembers: c.trees[SetMembers],
		baseCerts:   c.trees[SetCertifications],
		members:     members,
		certs:       certs,
	}

	return next, nil
}

// Append adds a block solved elsewhere to the head of the chain.
func (c *Chain) Append(ctx context.Context, b block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evHandler("chain: Append: started: block[%d]", b.Number)
	defer c.evHandler("chain: Append: completed")

	head, err := c.store.Head(ctx, 0)
	if err != nil {
		return fmt.Errorf("reading head: %w", err)
	}

	var number uint64
	var previousHash string
	if head != nil {
		number = head.Number + 1
		previousHash = head.Hash
	}

	if err := c.check(b, number, previousHash); err != nil {
		return err
	}

	members, certs := c.clones()
	if err := apply(members, certs, b); err != nil {
		return err
	}

	if members.Root() != b.MembersRoot || members.Count() != b.MembersCount || certs.Root() != b.CertificationsRoot {
		return fmt.Errorf("block %d: %w", b.Number, ErrRootMismatch)
	}

	if _, err := c.store.Store(ctx, b); err != nil {
		return fmt.Errorf("storing block %d: %w", b.Number, err)
	}

	c.trees[SetMembers] = members
	c.trees[SetCertifications] = certs

	c.log.Infow("chain", "status", "block appended", "number", b.Number, "hash", b.Hash)

	return nil
}

// Revert removes the head block and undoes its membership changes.
func (c *Chain) Revert(ctx context.Context) (*block.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := c.store.Revert(ctx)
	if err != nil {
		return nil, fmt.Errorf("reverting head: %w", err)
	}

	members, certs := c.clones()
	members.RemoveMany(b.Joiners)
	members.PushMany(b.Leavers)
	certs.RemoveMany(b.Certifications)

	c.trees[SetMembers] = members
	c.trees[SetCertifications] = certs

	c.log.Infow("chain", "status", "block reverted", "number", b.Number, "hash", b.Hash)
	c.evHandler("chain: Revert: block[%d] hash[%s]: reverted", b.Number, b.Hash)

	return b, nil
}

// Tree returns a copy of the named membership tree.
func (c *Chain) Tree(name string) (*merkle.Tree, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, exists := c.trees[name]
	if !exists {
		return nil, false
	}

	return t.Clone(), true
}

// Head returns the head block, or nil for an empty chain.
func (c *Chain) Head(ctx context.Context) (*block.Block, error) {
	return c.store.Head(ctx, 0)
}

// =============================================================================

// check verifies a solved block fits at the given position.
func (c *Chain) check(b block.Block, number uint64, previousHash string) error {
	if b.Number != number || b.PreviousHash != previousHash {
		return fmt.Errorf("block %d with previous hash %q: %w", b.Number, b.PreviousHash, ErrNotNext)
	}

	if b.Currency != c.currency {
		return fmt.Errorf("block %d currency %q: %w", b.Number, b.Currency, ErrNotNext)
	}

	if err := b.Verify(c.zeros, c.highMark); err != nil {
		return fmt.Errorf("verifying block %d: %w", b.Number, err)
	}

	return nil
}

// medianTimeOfHead returns the median time of the last blocks.
func (c *Chain) medianTimeOfHead(ctx context.Context) (int64, error) {
	count := uint64(max(c.medianTime, 1))

	blocks, err := c.store.HeadRange(ctx, count)
	if err != nil {
		return 0, fmt.Errorf("reading last %d blocks: %w", count, err)
	}

	times := make([]int64, len(blocks))
	for i, b := range blocks {
		times[i] = b.Time
	}

	return median(times), nil
}

// clones copies the membership trees so changes can be discarded.
func (c *Chain) clones() (*merkle.Tree, *merkle.Tree) {
	return c.trees[SetMembers].Clone(), c.trees[SetCertifications].Clone()
}

// apply pushes the block's membership changes into the trees. A joiner that
// is already a member, a leaver that is not, or a repeated certification
// makes the block invalid.
func apply(members *merkle.Tree, certs *merkle.Tree, b block.Block) error {
	if len(absent(members, b.Joiners)) != len(b.Joiners) || len(present(members, b.Leavers)) != len(b.Leavers) {
		return fmt.Errorf("block %d members: %w", b.Number, ErrInvalidDelta)
	}
	if len(absent(certs, b.Certifications)) != len(b.Certifications) {
		return fmt.Errorf("block %d certifications: %w", b.Number, ErrInvalidDelta)
	}

	members.PushMany(b.Joiners)
	members.RemoveMany(b.Leavers)
	certs.PushMany(b.Certifications)

	return nil
}

// absent returns the distinct leaves that are not in the tree.
func absent(t *merkle.Tree, leaves []string) []string {
	var out []string
	for _, leaf := range leaves {
		if !t.Contains(leaf) && !slices.Contains(out, leaf) {
			out = append(out, leaf)
		}
	}
	return out
}

// present returns the distinct leaves that are in the tree.
func present(t *merkle.Tree, leaves []string) []string {
	var out []string
	for _, leaf := range leaves {
		if t.Contains(leaf) && !slices.Contains(out, leaf) {
			out = append(out, leaf)
		}
	}
	return out
}

// median returns the middle value of times, averaging the two middle values
// of an even count.
func median(times []int64) int64 {
	if len(times) == 0 {
		return 0
	}

	sorted := slices.Clone(times)
	slices.Sort(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}

	return (sorted[mid-1] + sorted[mid]) / 2
}
