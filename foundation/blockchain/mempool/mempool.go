// Package mempool maintains the pending membership changes waiting to be
// mined into a block.
package mempool

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Kind identifies what a pending change does to the chain.
type Kind string

// Set of change kinds.
const (
	KindJoin    Kind = "join"
	KindLeave   Kind = "leave"
	KindCertify Kind = "certify"
	KindTx      Kind = "tx"
)

// Change is one pending leaf for the next block.
type Change struct {
	Kind     Kind      `json:"kind" validate:"required,oneof=join leave certify tx"`
	Leaf     string    `json:"leaf" validate:"required"`
	Received time.Time `json:"received"`
	seq      uint64
}

// Mempool represents a cache of pending changes keyed by kind and leaf.
type Mempool struct {
	pool     map[string]Change
	seq      uint64
	mu       sync.RWMutex
	selectFn SelectFunc
	validate *validator.Validate
}

// New constructs a new mempool using the default select strategy.
func New() *Mempool {
	mp, _ := NewWithStrategy(StrategyOldest)
	return mp
}

// NewWithStrategy constructs a new mempool with specified select strategy.
func NewWithStrategy(strategy string) (*Mempool, error) {
	selectFn, err := Retrieve(strategy)
	if err != nil {
		return nil, err
	}

	mp := Mempool{
		pool:     make(map[string]Change),
		selectFn: selectFn,
		validate: validator.New(),
	}

	return &mp, nil
}

// Count returns the current number of changes in the pool.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return len(mp.pool)
}

// Upsert adds or replaces a change in the mempool. A replaced change keeps
// its original position.
func (mp *Mempool) Upsert(change Change) (int, error) {
	if err := mp.validate.Struct(change); err != nil {
		return 0, fmt.Errorf("validating change: %w", err)
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	key := mapKey(change)

	switch existing, exists := mp.pool[key]; exists {
	case true:
		change.seq = existing.seq
	default:
		mp.seq++
		change.seq = mp.seq
	}

	if change.Received.IsZero() {
		change.Received = time.Now().UTC()
	}

	mp.pool[key] = change

	return len(mp.pool), nil
}

// Delete removes a change from the mempool.
func (mp *Mempool) Delete(change Change) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	delete(mp.pool, mapKey(change))
}

// Truncate clears all the changes from the pool.
func (mp *Mempool) Truncate() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.pool = make(map[string]Change)
}

// Copy returns every change in arrival order.
func (mp *Mempool) Copy() []Change {
	mp.mu.RLock()
	changes := make([]Change, 0, len(mp.pool))
	for _, change := range mp.pool {
		changes = append(changes, change)
	}
	mp.mu.RUnlock()

	return selectOldest(changes, -1)
}

// PickBest uses the configured select strategy to return the next set of
// changes for the next block. Pass -1 for all of them.
func (mp *Mempool) PickBest(howMany int) []Change {
	mp.mu.RLock()
	changes := make([]Change, 0, len(mp.pool))
	for _, change := range mp.pool {
		changes = append(changes, change)
	}
	mp.mu.RUnlock()

	return mp.selectFn(changes, howMany)
}

// =============================================================================

// mapKey is used to generate the map key.
func mapKey(change Change) string {
	return fmt.Sprintf("%s:%s", change.Kind, change.Leaf)
}
