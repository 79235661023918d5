// Package worker implements the mining loop that turns pending membership
// changes into blocks.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ardanlabs/blockforge/foundation/blockchain/block"
	"github.com/ardanlabs/blockforge/foundation/blockchain/chain"
	"github.com/ardanlabs/blockforge/foundation/blockchain/mempool"
	"github.com/ardanlabs/blockforge/foundation/blockchain/pow"
)

// Miner solves and appends the next block.
type Miner interface {
	Mine(ctx context.Context, cand chain.Candidate) (*block.Block, error)
}

// Canceller stops the search currently running in the proof of work unit.
type Canceller interface {
	Cancel(ctx context.Context) (pow.State, error)
}

// Config represents the collaborators and settings of the worker.
type Config struct {
	Miner     Miner
	Pool      *mempool.Mempool
	Canceller Canceller
	PowMin    int
	BatchSize int
	Interval  time.Duration
	EvHandler chain.EventHandler
}

// =============================================================================

// Worker manages the mining workflow for the chain.
type Worker struct {
	miner        Miner
	pool         *mempool.Mempool
	canceller    Canceller
	powMin       int
	batchSize    int
	wg           sync.WaitGroup
	ticker       *time.Ticker
	shut         chan struct{}
	startMining  chan bool
	cancelMining chan bool
	evHandler    chain.EventHandler
}

// Run creates a worker and starts up all the background processes.
func Run(cfg Config) *Worker {
	ev := cfg.EvHandler
	if ev == nil {
		ev = func(string, ...any) {}
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = -1
	}

	w := Worker{
		miner:        cfg.Miner,
		pool:         cfg.Pool,
		canceller:    cfg.Canceller,
		powMin:       cfg.PowMin,
		batchSize:    batchSize,
		ticker:       time.NewTicker(interval),
		shut:         make(chan struct{}),
		startMining:  make(chan bool, 1),
		cancelMining: make(chan bool, 1),
		evHandler:    ev,
	}

	// Load the set of operations we need to run.
	operations := []func(){
		w.tickOperations,
		w.miningOperations,
	}

	// Set waitgroup to match the number of G's we need for the set
	// of operations we have.
	g := len(operations)
	w.wg.Add(g)

	// We don't want to return until we know all the G's are up and running.
	hasStarted := make(chan bool)

	for _, op := range operations {
		go func(op func()) {
			defer w.wg.Done()
			hasStarted <- true
			op()
		}(op)
	}

	for range g {
		<-hasStarted
	}

	return &w
}

// Shutdown terminates the goroutines performing work.
func (w *Worker) Shutdown() {
	w.evHandler("worker: shutdown: started")
	defer w.evHandler("worker: shutdown: completed")

	w.evHandler("worker: shutdown: stop ticker")
	w.ticker.Stop()

	w.evHandler("worker: shutdown: signal cancel mining")
	w.SignalCancelMining()

	w.evHandler("worker: shutdown: terminate goroutines")
	close(w.shut)
	w.wg.Wait()
}

// SignalStartMining starts a mining operation. If there is already a signal
// pending in the channel, just return since a mining operation will start.
func (w *Worker) SignalStartMining() {
	select {
	case w.startMining <- true:
	default:
	}
	w.evHandler("worker: SignalStartMining: mining signaled")
}

// SignalCancelMining signals the G executing the runMiningOperation function
// to stop immediately.
func (w *Worker) SignalCancelMining() {
	select {
	case w.cancelMining <- true:
	default:
	}
	w.evHandler("worker: SignalCancelMining: MINING: CANCEL: signaled")
}

// =============================================================================

// tickOperations signals a mining operation on every tick while changes are
// waiting in the pool.
func (w *Worker) tickOperations() {
	w.evHandler("worker: tickOperations: G started")
	defer w.evHandler("worker: tickOperations: G completed")

	for {
		select {
		case <-w.ticker.C:
			if !w.isShutdown() && w.pool.Count() > 0 {
				w.SignalStartMining()
			}
		case <-w.shut:
			w.evHandler("worker: tickOperations: received shut signal")
			return
		}
	}
}

// isShutdown is used to test if a shutdown has been signaled.
func (w *Worker) isShutdown() bool {
	select {
	case <-w.shut:
		return true
	default:
		return false
	}
}
