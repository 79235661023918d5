// Package private maintains the group of handlers for node to node and
// operator access.
package private

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ardanlabs/blockforge/business/web/errs"
	"github.com/ardanlabs/blockforge/foundation/blockchain/block"
	"github.com/ardanlabs/blockforge/foundation/blockchain/chain"
	"github.com/ardanlabs/blockforge/foundation/blockchain/pow"
	"github.com/ardanlabs/blockforge/foundation/blockchain/pow/engine"
	"github.com/ardanlabs/blockforge/foundation/blockchain/signature"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage"
	"github.com/ardanlabs/blockforge/foundation/web"
	"go.uber.org/zap"
)

// Miner controls the mining loop.
type Miner interface {
	SignalStartMining()
	SignalCancelMining()
}

// Handlers manages the set of node endpoints.
type Handlers struct {
	Log    *zap.SugaredLogger
	Chain  *chain.Chain
	Engine *engine.Engine
	Miner  Miner
}

// PoWStatus starts the computation unit if needed and reports it is ready.
func (h Handlers) PoWStatus(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	state, err := h.Engine.Status(ctx)
	if err != nil {
		return errs.NewTrusted(fmt.Errorf("starting computation unit: %w", err), http.StatusServiceUnavailable)
	}

	return web.Respond(ctx, w, powState{State: state, Connected: h.Engine.IsConnected()}, http.StatusOK)
}

// PoWState returns the phase of the computation unit without starting it.
func (h Handlers) PoWState(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	state, err := h.Engine.State(ctx)
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, powState{State: state, Connected: h.Engine.IsConnected()}, http.StatusOK)
}

// PoWCancel stops the running search and reports the phase of the unit.
func (h Handlers) PoWCancel(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	state, err := h.Engine.Cancel(ctx)
	if err != nil {
		return err
	}

	h.Log.Infow("pow cancel", "traceid", web.GetTraceID(ctx), "state", state)

	return web.Respond(ctx, w, powState{State: state, Connected: h.Engine.IsConnected()}, http.StatusOK)
}

// GetValue reads a runtime parameter of the computation unit.
func (h Handlers) GetValue(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	key := web.Param(r, "key")
	if !knownKey(key) {
		return errs.NewTrusted(fmt.Errorf("unknown parameter %q", key), http.StatusNotFound)
	}

	value, err := h.Engine.GetValue(ctx, key)
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, parameter{Key: key, Value: value}, http.StatusOK)
}

// SetValue changes a runtime parameter of the computation unit. The body is
// the raw JSON value.
func (h Handlers) SetValue(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	key := web.Param(r, "key")
	if !knownKey(key) {
		return errs.NewTrusted(fmt.Errorf("unknown parameter %q", key), http.StatusNotFound)
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	if !json.Valid(data) {
		return errs.NewTrusted(errors.New("value must be a JSON document"), http.StatusBadRequest)
	}

	value, err := h.Engine.SetValue(ctx, key, json.RawMessage(data))
	if err != nil {
		return err
	}

	h.Log.Infow("pow set value", "traceid", web.GetTraceID(ctx), "key", key, "value", string(value))

	return web.Respond(ctx, w, parameter{Key: key, Value: value}, http.StatusOK)
}

// SignalMining starts a mining operation for the pending changes.
func (h Handlers) SignalMining(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if h.Miner == nil {
		return errs.NewTrusted(errors.New("mining is disabled"), http.StatusServiceUnavailable)
	}

	h.Miner.SignalStartMining()

	return web.Respond(ctx, w, status{Status: "mining signaled"}, http.StatusOK)
}

// AppendBlock adds a block proven elsewhere to the chain.
func (h Handlers) AppendBlock(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var b block.Block
	if err := web.Decode(r, &b); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	if h.Miner != nil {
		h.Miner.SignalCancelMining()
	}

	if err := h.Chain.Append(ctx, b); err != nil {
		return chainError(err)
	}

	h.Log.Infow("append block", "traceid", web.GetTraceID(ctx), "number", b.Number, "hash", b.Hash)

	return web.Respond(ctx, w, status{Status: "block appended"}, http.StatusOK)
}

// RevertBlock removes the head block and undoes its membership changes.
func (h Handlers) RevertBlock(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if h.Miner != nil {
		h.Miner.SignalCancelMining()
	}

	b, err := h.Chain.Revert(ctx)
	if err != nil {
		return chainError(err)
	}

	h.Log.Infow("revert block", "traceid", web.GetTraceID(ctx), "number", b.Number, "hash", b.Hash)

	return web.Respond(ctx, w, b, http.StatusOK)
}

// =============================================================================

type powState struct {
	State     pow.State `json:"state"`
	Connected bool      `json:"connected"`
}

type parameter struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type status struct {
	Status string `json:"status"`
}

func knownKey(key string) bool {
	switch key {
	case pow.KeyCPU, pow.KeyPrefix, pow.KeyPubkey, pow.KeyID, pow.KeyAutokillTimeout, pow.KeyConf:
		return true
	}
	return false
}

// chainError maps chain rule violations to client errors.
func chainError(err error) error {
	switch {
	case errors.Is(err, storage.ErrInvariant):
		return errs.NewTrusted(err, http.StatusConflict)
	case errors.Is(err, chain.ErrNotNext),
		errors.Is(err, chain.ErrRootMismatch),
		errors.Is(err, chain.ErrInvalidDelta),
		errors.Is(err, block.ErrInnerHash),
		errors.Is(err, block.ErrHash),
		errors.Is(err, block.ErrUnsolved),
		errors.Is(err, signature.ErrInvalidSignature):
		return errs.NewTrusted(err, http.StatusBadRequest)
	}
	return err
}
