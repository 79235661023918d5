package mempool

import (
	"cmp"
	"fmt"
	"slices"
)

// List of different select strategies.
const (
	StrategyOldest       = "oldest"
	StrategyLeaversFirst = "leaversFirst"
)

// Map of different select strategies with functions.
var strategies = map[string]SelectFunc{
	StrategyOldest:       selectOldest,
	StrategyLeaversFirst: selectLeaversFirst,
}

// SelectFunc defines a function that takes the pending changes and selects
// howMany of them in an order based on the function's strategy. Receiving -1
// for howMany must return all the changes in the strategy's ordering.
type SelectFunc func(changes []Change, howMany int) []Change

// Retrieve returns the specified select strategy function.
func Retrieve(strategy string) (SelectFunc, error) {
	fn, exists := strategies[strategy]
	if !exists {
		return nil, fmt.Errorf("strategy %q does not exist", strategy)
	}
	return fn, nil
}

// selectOldest picks changes in arrival order.
func selectOldest(changes []Change, howMany int) []Change {
	slices.SortFunc(changes, func(a, b Change) int {
		return cmp.Compare(a.seq, b.seq)
	})

	return first(changes, howMany)
}

// selectLeaversFirst picks departures before anything else so a full block
// never holds back members that want to leave. Each kind keeps arrival order.
func selectLeaversFirst(changes []Change, howMany int) []Change {
	rank := func(k Kind) int {
		switch k {
		case KindLeave:
			return 0
		case KindJoin:
			return 1
		case KindCertify:
			return 2
		}
		return 3
	}

	slices.SortFunc(changes, func(a, b Change) int {
		if c := cmp.Compare(rank(a.Kind), rank(b.Kind)); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	return first(changes, howMany)
}

func first(changes []Change, howMany int) []Change {
	if howMany < 0 || howMany > len(changes) {
		return changes
	}
	return changes[:howMany]
}
