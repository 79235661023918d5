// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ardanlabs/blockforge/business/sys/validate"
	"github.com/ardanlabs/blockforge/business/web/errs"
	"github.com/ardanlabs/blockforge/foundation/blockchain/block"
	"github.com/ardanlabs/blockforge/foundation/blockchain/chain"
	"github.com/ardanlabs/blockforge/foundation/blockchain/mempool"
	"github.com/ardanlabs/blockforge/foundation/blockchain/merkle"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage"
	"github.com/ardanlabs/blockforge/foundation/events"
	"github.com/ardanlabs/blockforge/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// maxRange caps the number of blocks returned by one range request.
const maxRange = 1000

// Miner is told when new changes are waiting to be mined.
type Miner interface {
	SignalStartMining()
}

// hashReader is implemented by stores that index blocks by hash.
type hashReader interface {
	ReadByHash(ctx context.Context, hash string) (*block.Block, error)
}

// issuerReader is implemented by stores that index blocks by issuer.
type issuerReader interface {
	ReadByIssuer(ctx context.Context, issuer string) ([]block.Block, error)
}

// Handlers manages the set of public chain endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	Store storage.Store
	Chain *chain.Chain
	Pool  *mempool.Mempool
	Miner Miner
	WS    websocket.Upgrader
	Evts  *events.Events
}

// Events handles a web socket to provide events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Evts.Acquire(v.TraceID)
	defer h.Evts.Release(v.TraceID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case evt, wd := <-ch:
			if !wd {
				return nil
			}

			if err := c.WriteJSON(evt); err != nil {
				return nil
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}

// Height returns the number of blocks in the chain.
func (h Handlers) Height(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	n, err := h.Store.Height(ctx)
	if err != nil {
		return fmt.Errorf("reading height: %w", err)
	}

	return web.Respond(ctx, w, height{Height: n}, http.StatusOK)
}

// Head returns the head block, or the block offset blocks below it.
func (h Handlers) Head(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var offset uint64
	if s := web.Param(r, "offset"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return errs.NewTrusted(fmt.Errorf("invalid offset %q", s), http.StatusBadRequest)
		}
		offset = n
	}

	b, err := h.Store.Head(ctx, offset)
	if err != nil {
		return fmt.Errorf("reading head: %w", err)
	}

	return respondBlock(ctx, w, b)
}

// BlockByNumber returns the block stored at the specified height.
func (h Handlers) BlockByNumber(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	s := web.Param(r, "number")
	number, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return errs.NewTrusted(fmt.Errorf("invalid block number %q", s), http.StatusBadRequest)
	}

	b, err := h.Store.Read(ctx, number)
	if err != nil {
		return fmt.Errorf("reading block %d: %w", number, err)
	}

	return respondBlock(ctx, w, b)
}

// BlockByHash returns the block with the specified hash when the configured
// store indexes hashes.
func (h Handlers) BlockByHash(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	hr, ok := storage.Unwrap(h.Store).(hashReader)
	if !ok {
		return errs.NewTrusted(errors.New("store does not index block hashes"), http.StatusNotImplemented)
	}

	b, err := hr.ReadByHash(ctx, web.Param(r, "hash"))
	if err != nil {
		return fmt.Errorf("reading block by hash: %w", err)
	}

	return respondBlock(ctx, w, b)
}

// BlocksByIssuer returns the blocks signed by the specified issuer when the
// configured store indexes issuers.
func (h Handlers) BlocksByIssuer(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	ir, ok := storage.Unwrap(h.Store).(issuerReader)
	if !ok {
		return errs.NewTrusted(errors.New("store does not index block issuers"), http.StatusNotImplemented)
	}

	blocks, err := ir.ReadByIssuer(ctx, web.Param(r, "issuer"))
	if err != nil {
		return fmt.Errorf("reading blocks by issuer: %w", err)
	}

	if len(blocks) == 0 {
		return web.Respond(ctx, w, nil, http.StatusNoContent)
	}

	return web.Respond(ctx, w, blocks, http.StatusOK)
}

// BlocksRange returns the last count blocks in ascending order.
func (h Handlers) BlocksRange(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	s := web.Param(r, "count")
	count, err := strconv.ParseUint(s, 10, 64)
	if err != nil || count == 0 || count > maxRange {
		return errs.NewTrusted(fmt.Errorf("count must be between 1 and %d", maxRange), http.StatusBadRequest)
	}

	blocks, err := h.Store.HeadRange(ctx, count)
	if err != nil {
		return fmt.Errorf("reading blocks: %w", err)
	}

	if len(blocks) == 0 {
		return web.Respond(ctx, w, nil, http.StatusNoContent)
	}

	return web.Respond(ctx, w, blocks, http.StatusOK)
}

// Set returns the merkle tree of the specified membership set.
func (h Handlers) Set(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	name := web.Param(r, "set")

	tree, exists := h.Chain.Tree(name)
	if !exists {
		return errs.NewTrusted(fmt.Errorf("set %q does not exist", name), http.StatusNotFound)
	}

	return web.Respond(ctx, w, tree, http.StatusOK)
}

// Proof returns the membership proof of a leaf in the specified set.
func (h Handlers) Proof(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	name := web.Param(r, "set")
	leaf := web.Param(r, "leaf")

	tree, exists := h.Chain.Tree(name)
	if !exists {
		return errs.NewTrusted(fmt.Errorf("set %q does not exist", name), http.StatusNotFound)
	}

	steps, err := tree.Proof(leaf)
	if err != nil {
		if errors.Is(err, merkle.ErrNotFound) {
			return errs.NewTrusted(fmt.Errorf("leaf %q is not in set %q", leaf, name), http.StatusNotFound)
		}
		return err
	}

	resp := proof{
		Set:   name,
		Root:  tree.Root(),
		Leaf:  leaf,
		Steps: steps,
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// ListPool returns the set of changes waiting to be mined.
func (h Handlers) ListPool(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	changes := h.Pool.Copy()

	resp := pool{
		Count:   len(changes),
		Changes: changes,
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// SubmitChange adds a membership change to the pool and signals mining.
func (h Handlers) SubmitChange(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var nc newChange
	if err := web.Decode(r, &nc); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	if err := validate.Check(nc); err != nil {
		return err
	}

	h.Log.Infow("submit change", "traceid", web.GetTraceID(ctx), "kind", nc.Kind, "leaf", nc.Leaf)

	n, err := h.Pool.Upsert(mempool.Change{Kind: mempool.Kind(nc.Kind), Leaf: nc.Leaf})
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	if h.Miner != nil {
		h.Miner.SignalStartMining()
	}

	resp := submitted{
		Status:  "change added to pool",
		Pending: n,
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// =============================================================================

func respondBlock(ctx context.Context, w http.ResponseWriter, b *block.Block) error {
	if b == nil {
		return errs.NewTrusted(errors.New("block not found"), http.StatusNotFound)
	}

	return web.Respond(ctx, w, b, http.StatusOK)
}
