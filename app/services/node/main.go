package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ardanlabs/blockforge/app/services/node/handlers"
	"github.com/ardanlabs/blockforge/foundation/blockchain/chain"
	"github.com/ardanlabs/blockforge/foundation/blockchain/mempool"
	"github.com/ardanlabs/blockforge/foundation/blockchain/merkle"
	"github.com/ardanlabs/blockforge/foundation/blockchain/pow"
	"github.com/ardanlabs/blockforge/foundation/blockchain/pow/engine"
	"github.com/ardanlabs/blockforge/foundation/blockchain/pow/prover"
	"github.com/ardanlabs/blockforge/foundation/blockchain/signature"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage/backend"
	"github.com/ardanlabs/blockforge/foundation/blockchain/worker"
	"github.com/ardanlabs/blockforge/foundation/events"
	"github.com/ardanlabs/blockforge/foundation/logger"
	"github.com/ardanlabs/conf/v3"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("NODE")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
			PublicHost      string        `conf:"default:0.0.0.0:8080"`
			PrivateHost     string        `conf:"default:0.0.0.0:9080"`
		}
		Store struct {
			Kind      string `conf:"default:badger"`
			Path      string `conf:"default:zblock/badger"`
			CacheSize int    `conf:"default:256"`
		}
		Chain struct {
			Currency         string `conf:"default:blockforge"`
			KeyPath          string `conf:"default:zblock/node.ecdsa"`
			Zeros            int    `conf:"default:4"`
			HighMark         string
			PowMin           int    `conf:"default:4"`
			MedianTimeBlocks int    `conf:"default:11"`
			AvgGenTime       int    `conf:"default:300"`
			Hash             string `conf:"default:sha256"`
		}
		PoW struct {
			Mode        string        `conf:"default:inprocess"`
			WorkerPath  string        `conf:"default:powworker"`
			CPU         float64       `conf:"default:0.6"`
			Prefix      uint64        `conf:"default:0"`
			IdleTimeout time.Duration `conf:"default:5m"`
		}
		Worker struct {
			Interval  time.Duration `conf:"default:30s"`
			BatchSize int           `conf:"default:100"`
			Strategy  string        `conf:"default:oldest"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "blockforge node",
		},
	}

	// Parse will set the defaults and then look for any overriding values
	// in environment variables and command line flags.
	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	// Display the current configuration to the logs.
	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Node Identity

	pair, err := loadKeyPair(cfg.Chain.KeyPath, log)
	if err != nil {
		return err
	}
	log.Infow("startup", "status", "identity loaded", "issuer", pair.Pub)

	// =========================================================================
	// Events Support

	// The blockchain packages accept a function of this signature to allow the
	// application to log. These raw messages are also sent to any websocket
	// client that is connected into the system through the events package.
	evts := events.New()
	ev := func(v string, args ...any) {
		s := fmt.Sprintf(v, args...)
		log.Infow(s, "traceid", "00000000-0000-0000-0000-000000000000")
		evts.Sendf(events.KindChain, "%s", s)
	}

	// =========================================================================
	// Store Support

	ctx := context.Background()

	store, err := backend.Open(ctx, backend.Config{
		Kind:      cfg.Store.Kind,
		Path:      cfg.Store.Path,
		CacheSize: cfg.Store.CacheSize,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		log.Infow("shutdown", "status", "closing store", "kind", cfg.Store.Kind)
		store.Close()
	}()

	// =========================================================================
	// Proof Of Work Engine Support

	var launcher engine.Launcher
	switch cfg.PoW.Mode {
	case "inprocess":
		launcher = engine.InProcess(prover.Config{
			IdleTimeout: cfg.PoW.IdleTimeout,
			CPU:         cfg.PoW.CPU,
			Prefix:      cfg.PoW.Prefix,
			Pubkey:      pair.Pub,
		}, log)

	case "exec":
		launcher = engine.Exec(cfg.PoW.WorkerPath,
			"--cpu", fmt.Sprint(cfg.PoW.CPU),
			"--prefix", fmt.Sprint(cfg.PoW.Prefix),
			"--idle-timeout", cfg.PoW.IdleTimeout.String(),
			"--pubkey", pair.Pub,
		)

	default:
		return fmt.Errorf("unknown pow mode %q", cfg.PoW.Mode)
	}

	eng := engine.New(launcher, log)
	defer func() {
		log.Infow("shutdown", "status", "stopping pow engine")
		eng.Shutdown()
	}()

	eng.SetOnInfoMessage(func(msg pow.Message) {
		evts.Send(events.Event{Kind: events.KindPoW, Message: msg.Command, Data: msg.Value})
	})

	// =========================================================================
	// Chain Support

	var merkleOptions []func(t *merkle.Tree)
	switch cfg.Chain.Hash {
	case "sha256":
	case "blake3":
		merkleOptions = append(merkleOptions, merkle.WithHashStrategy(merkle.Blake3))
	default:
		return fmt.Errorf("unknown merkle hash %q", cfg.Chain.Hash)
	}

	ch, err := chain.New(ctx, chain.Config{
		Store:            store,
		Prover:           eng,
		Log:              log,
		EvHandler:        ev,
		Currency:         cfg.Chain.Currency,
		Pair:             pair,
		Zeros:            cfg.Chain.Zeros,
		HighMark:         cfg.Chain.HighMark,
		MedianTimeBlocks: cfg.Chain.MedianTimeBlocks,
		AvgGenTime:       cfg.Chain.AvgGenTime,
		MerkleOptions:    merkleOptions,
	})
	if err != nil {
		return fmt.Errorf("loading chain: %w", err)
	}

	pool, err := mempool.NewWithStrategy(cfg.Worker.Strategy)
	if err != nil {
		return fmt.Errorf("constructing pool: %w", err)
	}

	// The worker package implements the mining workflow. It picks the pending
	// changes from the pool and mines them into blocks.
	wrk := worker.Run(worker.Config{
		Miner:     ch,
		Pool:      pool,
		Canceller: eng,
		PowMin:    cfg.Chain.PowMin,
		BatchSize: cfg.Worker.BatchSize,
		Interval:  cfg.Worker.Interval,
		EvHandler: ev,
	})
	defer wrk.Shutdown()

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug v1 router started", "host", cfg.Web.DebugHost)

	// The Debug function returns a mux to listen and serve on for all the debug
	// related endpoints. This includes the standard library endpoints.
	debugMux := handlers.DebugMux(build, log, store)

	// Start the service listening for debug requests.
	// Not concerned with shutting this down with load shedding.
	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, debugMux); err != nil {
			log.Errorw("shutdown", "status", "debug v1 router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Service Start/Stop Support

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	muxCfg := handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		Store:    store,
		Chain:    ch,
		Pool:     pool,
		Engine:   eng,
		Worker:   wrk,
		Evts:     evts,
	}

	// =========================================================================
	// Start Public Service

	log.Infow("startup", "status", "initializing V1 public API support")

	public := http.Server{
		Addr:         cfg.Web.PublicHost,
		Handler:      handlers.PublicMux(muxCfg),
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	go func() {
		log.Infow("startup", "status", "public api router started", "host", public.Addr)
		serverErrors <- public.ListenAndServe()
	}()

	// =========================================================================
	// Start Private Service

	log.Infow("startup", "status", "initializing V1 private API support")

	private := http.Server{
		Addr:         cfg.Web.PrivateHost,
		Handler:      handlers.PrivateMux(muxCfg),
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	go func() {
		log.Infow("startup", "status", "private api router started", "host", private.Addr)
		serverErrors <- private.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	// Blocking main and waiting for shutdown.
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		// Release any web sockets that are currently active.
		log.Infow("shutdown", "status", "shutdown web socket channels")
		evts.Shutdown()

		// Give outstanding requests a deadline for completion.
		ctx, cancelPri := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPri()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown private API started")
		if err := private.Shutdown(ctx); err != nil {
			private.Close()
			return fmt.Errorf("could not stop private service gracefully: %w", err)
		}

		// Give outstanding requests a deadline for completion.
		ctx, cancelPub := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPub()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown public API started")
		if err := public.Shutdown(ctx); err != nil {
			public.Close()
			return fmt.Errorf("could not stop public service gracefully: %w", err)
		}
	}

	return nil
}

// loadKeyPair reads the node's signing key, creating one on first start.
func loadKeyPair(path string, log *zap.SugaredLogger) (signature.KeyPair, error) {
	pair, err := signature.LoadKeyPair(path)
	if err == nil {
		return pair, nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return signature.KeyPair{}, err
	}

	pair, err = signature.GenerateKeyPair()
	if err != nil {
		return signature.KeyPair{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return signature.KeyPair{}, fmt.Errorf("creating key folder: %w", err)
	}

	if err := signature.SaveKeyPair(path, pair); err != nil {
		return signature.KeyPair{}, err
	}

	log.Infow("startup", "status", "generated node key", "path", path)

	return pair, nil
}
