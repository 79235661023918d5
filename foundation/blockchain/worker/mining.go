package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ardanlabs/blockforge/foundation/blockchain/chain"
	"github.com/ardanlabs/blockforge/foundation/blockchain/mempool"
)

// cancelTimeout bounds the cancel round trip to the proof of work unit.
const cancelTimeout = 5 * time.Second

// miningOperations handles mining.
func (w *Worker) miningOperations() {
	w.evHandler("worker: miningOperations: G started")
	defer w.evHandler("worker: miningOperations: G completed")

	for {
		select {
		case <-w.startMining:
			if !w.isShutdown() {
				w.runMiningOperation()
			}
		case <-w.shut:
			w.evHandler("worker: miningOperations: received shut signal")
			return
		}
	}
}

// runMiningOperation takes the best changes from the pool and mines them
// into a new block.
func (w *Worker) runMiningOperation() {
	w.evHandler("worker: runMiningOperation: MINING: started")
	defer w.evHandler("worker: runMiningOperation: MINING: completed")

	changes := w.pool.PickBest(w.batchSize)
	if len(changes) == 0 {
		w.evHandler("worker: runMiningOperation: MINING: no changes to mine")
		return
	}

	// After running a mining operation, check if a new operation should
	// be signaled again.
	defer func() {
		if length := w.pool.Count(); length > 0 && !w.isShutdown() {
			w.evHandler("worker: runMiningOperation: MINING: signal new mining operation: Changes[%d]", length)
			w.SignalStartMining()
		}
	}()

	// Drain the cancel mining channel before starting.
	select {
	case <-w.cancelMining:
		w.evHandler("worker: runMiningOperation: MINING: drained cancel channel")
	default:
	}

	// Create a context so mining can be cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Can't return from this function until these G's are complete.
	var wg sync.WaitGroup
	wg.Add(2)

	// This G exists to cancel the mining operation.
	go func() {
		defer func() {
			cancel()
			wg.Done()
		}()

		select {
		case <-w.cancelMining:
			w.evHandler("worker: runMiningOperation: MINING: CANCEL: requested")
			w.cancelUnit()
		case <-ctx.Done():
		}
	}()

	// This G is performing the mining.
	go func() {
		defer func() {
			cancel()
			wg.Done()
		}()

		t := time.Now()
		b, err := w.miner.Mine(ctx, candidate(w.powMin, changes))
		duration := time.Since(t)

		w.evHandler("worker: runMiningOperation: MINING: mining duration[%v]", duration)

		switch {
		case err != nil && ctx.Err() != nil:
			w.evHandler("worker: runMiningOperation: MINING: CANCEL: complete")
			return
		case err != nil:
			w.evHandler("worker: runMiningOperation: MINING: ERROR: %s", err)
			return
		case b == nil:
			w.evHandler("worker: runMiningOperation: MINING: no result")
			return
		}

		for _, change := range changes {
			w.pool.Delete(change)
		}

		w.evHandler("worker: runMiningOperation: MINING: block[%d] hash[%s] changes[%d]", b.Number, b.Hash, len(changes))
	}()

	wg.Wait()
}

// cancelUnit asks the proof of work unit to stop its search.
func (w *Worker) cancelUnit() {
	if w.canceller == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	state, err := w.canceller.Cancel(ctx)
	if err != nil {
		w.evHandler("worker: cancelUnit: MINING: CANCEL: ERROR: %s", err)
		return
	}

	w.evHandler("worker: cancelUnit: MINING: CANCEL: unit state[%s]", state)
}

// candidate groups the picked changes by kind.
func candidate(powMin int, changes []mempool.Change) chain.Candidate {
	cand := chain.Candidate{PowMin: powMin}

	for _, change := range changes {
		switch change.Kind {
		case mempool.KindJoin:
			cand.Joiners = append(cand.Joiners, change.Leaf)
		case mempool.KindLeave:
			cand.Leavers = append(cand.Leavers, change.Leaf)
		case mempool.KindCertify:
			cand.Certifications = append(cand.Certifications, change.Leaf)
		case mempool.KindTx:
			cand.Transactions = append(cand.Transactions, change.Leaf)
		}
	}

	return cand
}
