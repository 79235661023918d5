// Package pow defines the contract between the proof of work engine and the
// computation unit that searches nonces: the message envelope, the commands,
// the proof request and result, and the connections messages travel over.
package pow

import (
	"encoding/json"
	"math"

	"github.com/ardanlabs/blockforge/foundation/blockchain/block"
	"github.com/ardanlabs/blockforge/foundation/blockchain/signature"
)

// NonceRange is the size of the nonce partition owned by one prefix. A unit
// configured with prefix p searches nonces in [p*NonceRange, (p+1)*NonceRange).
const NonceRange uint64 = 1000 * 1000 * 1000 * 100

// MaxPrefix is the largest prefix whose partition fits in a uint64 nonce.
const MaxPrefix uint64 = math.MaxUint64/NonceRange - 1

// Set of commands understood by the computation unit. Any other command is
// a getter (no value) or setter (with value) for a runtime parameter.
const (
	CmdNewPoW = "newPoW"
	CmdState  = "state"
	CmdCancel = "cancel"
	CmdInfo   = "info"
)

// Set of runtime parameter keys.
const (
	KeyCPU             = "cpu"
	KeyPrefix          = "prefix"
	KeyPubkey          = "pubkey"
	KeyID              = "id"
	KeyAutokillTimeout = "autokillTimeout"
	KeyConf            = "conf"
)

// =============================================================================

// State represents the phase of the computation unit.
type State string

// Set of states for the computation unit.
const (
	StateReady      State = "ready"
	StateComputing  State = "computing"
	StateCancelling State = "cancelling"
)

// =============================================================================

// Message is the envelope exchanged in both directions. Outbound messages
// carry a command, a correlation id and an optional value. Correlated
// inbound messages carry the id and an answer. Inbound messages without an
// id are informational.
type Message struct {
	Command string          `json:"command,omitempty"`
	UUID    string          `json:"uuid,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Answer  json.RawMessage `json:"answer,omitempty"`
}

// Info is the payload of informational messages.
type Info struct {
	State      State  `json:"state,omitempty"`
	Found      bool   `json:"found,omitempty"`
	PoW        string `json:"pow,omitempty"`
	TestsCount uint64 `json:"testsCount,omitempty"`
}

// =============================================================================

// ProofConf carries the timing and throttling parameters of a request.
type ProofConf struct {
	MedianTimeBlocks int      `json:"medianTimeBlocks" validate:"gte=0"`
	AvgGenTime       int      `json:"avgGenTime" validate:"gte=0"`
	CPU              *float64 `json:"cpu,omitempty" validate:"omitempty,gte=0,lte=1"`
	Prefix           *uint64  `json:"prefix,omitempty" validate:"omitempty,lte=184467439"`
}

// ProofRequest is one mining attempt submitted to the engine.
type ProofRequest struct {
	Block          block.Block       `json:"block"`
	NonceBeginning uint64            `json:"nonceBeginning" validate:"lt=100000000000"`
	Zeros          int               `json:"zeros" validate:"gte=0,lte=63"`
	HighMark       string            `json:"highMark" validate:"omitempty,len=1,hexadecimal"`
	Pair           signature.KeyPair `json:"pair"`
	ForcedTime     *int64            `json:"forcedTime,omitempty"`
	Conf           ProofConf         `json:"conf"`
}

// ProofResult is a solved block with the number of hashes tested to find it.
type ProofResult struct {
	Block      block.Block `json:"block"`
	TestsCount uint64      `json:"testsCount"`
	PoW        string      `json:"pow"`
}
