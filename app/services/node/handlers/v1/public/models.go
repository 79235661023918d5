package public

import (
	"github.com/ardanlabs/blockforge/foundation/blockchain/merkle"
	"github.com/ardanlabs/blockforge/foundation/blockchain/mempool"
)

type height struct {
	Height uint64 `json:"height"`
}

type proof struct {
	Set   string             `json:"set"`
	Root  string             `json:"root"`
	Leaf  string             `json:"leaf"`
	Steps []merkle.ProofStep `json:"steps"`
}

type newChange struct {
	Kind string `json:"kind" validate:"required,oneof=join leave certify tx"`
	Leaf string `json:"leaf" validate:"required"`
}

type submitted struct {
	Status  string `json:"status"`
	Pending int    `json:"pending"`
}

type pool struct {
	Count   int              `json:"count"`
	Changes []mempool.Change `json:"changes"`
}
