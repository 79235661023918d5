// Package v1 contains the full set of handler functions and routes
// supported by the v1 web api.
package v1

import (
	"net/http"

	"github.com/ardanlabs/blockforge/app/services/node/handlers/v1/private"
	"github.com/ardanlabs/blockforge/app/services/node/handlers/v1/public"
	"github.com/ardanlabs/blockforge/foundation/blockchain/chain"
	"github.com/ardanlabs/blockforge/foundation/blockchain/mempool"
	"github.com/ardanlabs/blockforge/foundation/blockchain/pow/engine"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage"
	"github.com/ardanlabs/blockforge/foundation/blockchain/worker"
	"github.com/ardanlabs/blockforge/foundation/events"
	"github.com/ardanlabs/blockforge/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const version = "v1"

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log    *zap.SugaredLogger
	Store  storage.Store
	Chain  *chain.Chain
	Pool   *mempool.Mempool
	Engine *engine.Engine
	Worker *worker.Worker
	Evts   *events.Events
}

// PublicRoutes binds all the version 1 public routes.
func PublicRoutes(app *web.App, cfg Config) {
	pbl := public.Handlers{
		Log:   cfg.Log,
		Store: cfg.Store,
		Chain: cfg.Chain,
		Pool:  cfg.Pool,
		WS:    websocket.Upgrader{},
		Evts:  cfg.Evts,
	}
	if cfg.Worker != nil {
		pbl.Miner = cfg.Worker
	}

	app.Handle(http.MethodGet, version, "/events", pbl.Events)
	app.Handle(http.MethodGet, version, "/chain/height", pbl.Height)
	app.Handle(http.MethodGet, version, "/chain/head", pbl.Head)
	app.Handle(http.MethodGet, version, "/chain/head/:offset", pbl.Head)
	app.Handle(http.MethodGet, version, "/blocks/number/:number", pbl.BlockByNumber)
	app.Handle(http.MethodGet, version, "/blocks/hash/:hash", pbl.BlockByHash)
	app.Handle(http.MethodGet, version, "/blocks/issuer/:issuer", pbl.BlocksByIssuer)
	app.Handle(http.MethodGet, version, "/blocks/range/:count", pbl.BlocksRange)
	app.Handle(http.MethodGet, version, "/sets/:set", pbl.Set)
	app.Handle(http.MethodGet, version, "/sets/:set/proof/:leaf", pbl.Proof)
	app.Handle(http.MethodGet, version, "/pool/list", pbl.ListPool)
	app.Handle(http.MethodPost, version, "/pool/submit", pbl.SubmitChange)
}

// PrivateRoutes binds all the version 1 private routes.
func PrivateRoutes(app *web.App, cfg Config) {
	prv := private.Handlers{
		Log:    cfg.Log,
		Chain:  cfg.Chain,
		Engine: cfg.Engine,
	}
	if cfg.Worker != nil {
		prv.Miner = cfg.Worker
	}

	app.Handle(http.MethodGet, version, "/node/pow/status", prv.PoWStatus)
	app.Handle(http.MethodGet, version, "/node/pow/state", prv.PoWState)
	app.Handle(http.MethodPost, version, "/node/pow/cancel", prv.PoWCancel)
	app.Handle(http.MethodGet, version, "/node/pow/values/:key", prv.GetValue)
	app.Handle(http.MethodPut, version, "/node/pow/values/:key", prv.SetValue)
	app.Handle(http.MethodPost, version, "/node/mining/signal", prv.SignalMining)
	app.Handle(http.MethodPost, version, "/node/block/append", prv.AppendBlock)
	app.Handle(http.MethodPost, version, "/node/block/revert", prv.RevertBlock)
}
