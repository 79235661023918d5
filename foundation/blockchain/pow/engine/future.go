package engine

import (
	"context"
	"encoding/json"
	"sync"
)

// future is a single resolution handle for a correlated answer. Its state
// can be queried without blocking.
type future struct {
	done   chan struct{}
	once   sync.Once
	answer json.RawMessage
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

// resolve stores the answer. It reports false if the future was already
// resolved, in which case the answer is dropped.
func (f *future) resolve(answer json.RawMessage) bool {
	resolved := false
	f.once.Do(func() {
		f.answer = answer
		close(f.done)
		resolved = true
	})
	return resolved
}

// isResolved reports whether an answer has been stored.
func (f *future) isResolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// wait blocks until the future resolves or ctx is done. An answer that
// arrived together with the end of ctx still wins.
func (f *future) wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.answer, nil
	case <-ctx.Done():
		if f.isResolved() {
			return f.answer, nil
		}
		return nil, ctx.Err()
	}
}

// isNull reports whether an answer carries no value.
func isNull(answer json.RawMessage) bool {
	return len(answer) == 0 || string(answer) == "null"
}
