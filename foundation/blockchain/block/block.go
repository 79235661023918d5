// Package block defines the block record produced by the proof of work
// engine and persisted by the blockchain store, along with its raw document
// formats and the difficulty predicate.
package block

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/ardanlabs/blockforge/foundation/blockchain/signature"
)

// Version is the document version written into every new block.
const Version = 1

// Set of errors returned by Verify.
var (
	ErrInnerHash = errors.New("inner hash does not match block content")
	ErrHash      = errors.New("block hash does not match signed document")
	ErrUnsolved  = errors.New("block hash does not solve the difficulty")
)

// =============================================================================

// Block represents an ordered record in the chain. The leaf lists are opaque
// identifiers tracked by the membership merkle trees.
type Block struct {
	Version            int      `json:"version"`
	Currency           string   `json:"currency"`
	Number             uint64   `json:"number"`
	PowMin             int      `json:"powMin"`
	Time               int64    `json:"time"`
	MedianTime         int64    `json:"medianTime"`
	Issuer             string   `json:"issuer"`
	PreviousHash       string   `json:"previousHash,omitempty"`
	PreviousIssuer     string   `json:"previousIssuer,omitempty"`
	MembersRoot        string   `json:"membersRoot"`
	MembersCount       int      `json:"membersCount"`
	CertificationsRoot string   `json:"certificationsRoot"`
	Joiners            []string `json:"joiners"`
	Leavers            []string `json:"leavers"`
	Certifications     []string `json:"certifications"`
	Transactions       []string `json:"transactions"`
	InnerHash          string   `json:"inner_hash"`
	Nonce              uint64   `json:"nonce"`
	Signature          string   `json:"signature"`
	Hash               string   `json:"hash"`
}

// Clone returns a copy of the block that shares no leaf lists with b.
func (b Block) Clone() Block {
	b.Joiners = slices.Clone(b.Joiners)
	b.Leavers = slices.Clone(b.Leavers)
	b.Certifications = slices.Clone(b.Certifications)
	b.Transactions = slices.Clone(b.Transactions)

	return b
}

// RawInner renders the part of the block covered by the inner hash. It
// leaves out the inner hash itself, the nonce, the signature and the hash.
func (b Block) RawInner() string {
	var sb strings.Builder

	line := func(key string, value any) {
		fmt.Fprintf(&sb, "%s: %v\n", key, value)
	}
	section := func(key string, leaves []string) {
		sb.WriteString(key + ":\n")
		for _, leaf := range leaves {
			sb.WriteString(leaf + "\n")
		}
	}

	line("Version", b.Version)
	line("Type", "Block")
	line("Currency", b.Currency)
	line("Number", b.Number)
	line("PoWMin", b.PowMin)
	line("Time", b.Time)
	line("MedianTime", b.MedianTime)
	line("Issuer", b.Issuer)
	if b.Number > 0 {
		line("PreviousHash", b.PreviousHash)
		line("PreviousIssuer", b.PreviousIssuer)
	}
	line("MembersRoot", b.MembersRoot)
	line("MembersCount", b.MembersCount)
	line("CertificationsRoot", b.CertificationsRoot)
	section("Joiners", b.Joiners)
	section("Leavers", b.Leavers)
	section("Certifications", b.Certifications)
	section("Transactions", b.Transactions)

	return sb.String()
}

// ComputeInnerHash hashes the inner document of the block.
func (b Block) ComputeInnerHash() string {
	return signature.Hash(b.RawInner())
}

// RawSigned renders the document the issuer signs for a given nonce.
func RawSigned(innerHash string, nonce uint64) string {
	return "InnerHash: " + innerHash + "\nNonce: " + strconv.FormatUint(nonce, 10) + "\n"
}

// ComputeHash hashes the signed document together with its signature.
func ComputeHash(innerHash string, nonce uint64, sig string) string {
	return signature.Hash(RawSigned(innerHash, nonce) + sig + "\n")
}

// Verify checks the inner hash, the issuer signature and the block hash are
// consistent with each other and that the hash solves zeros/highMark.
func (b Block) Verify(zeros int, highMark string) error {
	if b.InnerHash != b.ComputeInnerHash() {
		return ErrInnerHash
	}

	if err := signature.Verify(b.Issuer, RawSigned(b.InnerHash, b.Nonce), b.Signature); err != nil {
		return fmt.Errorf("issuer signature: %w", err)
	}

	if b.Hash != ComputeHash(b.InnerHash, b.Nonce, b.Signature) {
		return ErrHash
	}

	if !Matches(b.Hash, zeros, highMark) {
		return ErrUnsolved
	}

	return nil
}

// =============================================================================

// Matches is the difficulty predicate. The hash must start with zeros '0'
// characters and, when highMark is set, the following hex digit must not be
// greater than highMark.
func Matches(hash string, zeros int, highMark string) bool {
	if zeros < 0 || len(hash) < zeros+1 {
		return false
	}

	for i := 0; i < zeros; i++ {
		if hash[i] != '0' {
			return false
		}
	}

	if highMark == "" {
		return true
	}

	next, err := strconv.ParseUint(hash[zeros:zeros+1], 16, 8)
	if err != nil {
		return false
	}

	mark, err := strconv.ParseUint(highMark, 16, 8)
	if err != nil {
		return false
	}

	return next <= mark
}

// MaxAcceleration returns how far ahead of the median time a block time may
// be set, in seconds.
func MaxAcceleration(medianTimeBlocks int, avgGenTime int) int64 {
	maxGenTime := math.Ceil(float64(avgGenTime) * 1.189)
	return int64(math.Ceil(maxGenTime * float64(medianTimeBlocks)))
}

// ComputeTime returns the time a candidate block gets when no time is forced.
// The root block takes the current time. Other blocks stay within
// [medianTime, medianTime + maxAcceleration] and as close to now as allowed.
func ComputeTime(b Block, medianTimeBlocks int, avgGenTime int, now int64) int64 {
	if b.Number == 0 {
		return now
	}

	upper := min(b.MedianTime+MaxAcceleration(medianTimeBlocks, avgGenTime), now)

	return max(b.MedianTime, upper)
}
