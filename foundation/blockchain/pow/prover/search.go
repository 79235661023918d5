package prover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ardanlabs/blockforge/foundation/blockchain/block"
	"github.com/ardanlabs/blockforge/foundation/blockchain/pow"
)

// ErrPrefixRange is returned for a prefix whose nonce partition does not fit
// in a uint64.
var ErrPrefixRange = errors.New("prefix out of range")

// testsPerTurn is the number of nonces tested between two throttling pauses
// and cancellation checks of the turn loop.
const testsPerTurn = 100

// minCPU keeps a zero throttle from stalling the search forever.
const minCPU = 0.01

// Search grinds nonces for the request until a hash solves the difficulty,
// the prefix partition is exhausted or ctx is cancelled. A nil result with
// a nil error means no proof was found. The cpu function is consulted after
// every turn so the throttle can change during a search.
func Search(ctx context.Context, req pow.ProofRequest, prefix uint64, cpu func() float64, now func() time.Time) (*pow.ProofResult, error) {
	if prefix > pow.MaxPrefix {
		return nil, fmt.Errorf("prefix %d above %d: %w", prefix, pow.MaxPrefix, ErrPrefixRange)
	}

	signer, err := req.Pair.Signer()
	if err != nil {
		return nil, fmt.Errorf("loading key pair: %w", err)
	}

	b := req.Block
	b.Issuer = signer.PublicKey()

	switch {
	case req.ForcedTime != nil:
		b.Time = *req.ForcedTime
	default:
		b.Time = block.ComputeTime(b, req.Conf.MedianTimeBlocks, req.Conf.AvgGenTime, now().Unix())
	}

	b.InnerHash = b.ComputeInnerHash()

	base := prefix * pow.NonceRange
	end := base + pow.NonceRange
	nonce := base + req.NonceBeginning

	var tests uint64
	for nonce < end {
		turnStart := time.Now()

		for i := 0; i < testsPerTurn && nonce < end; i++ {
			if ctx.Err() != nil {
				return nil, nil
			}

			sig, err := signer.Sign(block.RawSigned(b.InnerHash, nonce))
			if err != nil {
				return nil, fmt.Errorf("signing nonce %d: %w", nonce, err)
			}

			tests++
			hash := block.ComputeHash(b.InnerHash, nonce, sig)
			if block.Matches(hash, req.Zeros, req.HighMark) {
				b.Nonce = nonce
				b.Signature = sig
				b.Hash = hash

				return &pow.ProofResult{Block: b, TestsCount: tests, PoW: hash}, nil
			}

			nonce++
		}

		pause := throttle(time.Since(turnStart), cpu())
		if pause <= 0 {
			continue
		}

		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-timer.C:
		}
	}

	return nil, nil
}

// throttle returns how long to rest after busy so that the busy share of
// the elapsed time equals cpu.
func throttle(busy time.Duration, cpu float64) time.Duration {
	if cpu >= 1 {
		return 0
	}

	cpu = max(cpu, minCPU)
	return time.Duration(float64(busy) * (1 - cpu) / cpu)
}

// armPolicy halves the throttle on ARM processors where hashing costs
// disproportionately more of the machine.
func armPolicy(arch string, cpu float64) float64 {
	switch arch {
	case "arm", "arm64":
		return cpu / 2
	}
	return cpu
}
