// Package merkle provides the merkle index used to authenticate membership
// sets such as identities, certifications and transactions. The tree is
// always the canonical tree of its current leaf set: every mutation sorts
// the leaves and rebuilds every level from scratch.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"hash"
	"slices"
	"sort"
	"strings"

	"lukechampine.com/blake3"
)

// ErrNotFound is returned when a proof is requested for a leaf that is not
// part of the tree.
var ErrNotFound = errors.New("leaf not found in tree")

// =============================================================================

// Tree represents a merkle tree over a sorted set of string leaves.
type Tree struct {
	depth        int
	levels       [][]string
	nodes        int
	hashStrategy func() hash.Hash
}

// WithHashStrategy is used to change the default hash strategy of using sha256
// when constructing a new tree.
func WithHashStrategy(hashStrategy func() hash.Hash) func(t *Tree) {
	return func(t *Tree) {
		t.hashStrategy = hashStrategy
	}
}

// Blake3 is a hash strategy producing 256 bit BLAKE3 digests.
func Blake3() hash.Hash {
	return blake3.New(32, nil)
}

// NewTree constructs a new merkle tree over the specified leaves.
func NewTree(leaves []string, options ...func(t *Tree)) *Tree {
	t := Tree{
		hashStrategy: sha256.New,
	}

	for _, option := range options {
		option(&t)
	}

	return t.Initialize(leaves)
}

// Initialize rebuilds the tree from the specified leaves. The leaves are
// sorted and deduplicated first so the same set always gives the same root.
func (t *Tree) Initialize(leaves []string) *Tree {
	sorted := slices.Clone(leaves)
	sort.Strings(sorted)
	sorted = slices.Compact(sorted)

	t.generate(sorted)
	return t
}

// Push adds the leaf when it isn't already present. When previous is set
// and differs from leaf, previous is removed first since the new leaf
// replaces it.
func (t *Tree) Push(leaf string, previous string) {
	if t.Contains(leaf) {
		return
	}

	leaves := t.Leaves()
	if previous != "" && previous != leaf {
		leaves = slices.DeleteFunc(leaves, func(l string) bool { return l == previous })
	}

	t.Initialize(append(leaves, leaf))
}

// PushMany adds every leaf not present before the call, then rebuilds once.
func (t *Tree) PushMany(leaves []string) {
	current := t.Leaves()

	next := current
	for _, leaf := range leaves {
		if _, found := slices.BinarySearch(current, leaf); !found {
			next = append(next, leaf)
		}
	}

	t.Initialize(next)
}

// Remove takes the leaf out of the tree if it is present.
func (t *Tree) Remove(leaf string) {
	t.RemoveMany([]string{leaf})
}

// RemoveMany takes the specified leaves out of the tree, then rebuilds once.
func (t *Tree) RemoveMany(leaves []string) {
	drop := make(map[string]struct{}, len(leaves))
	for _, leaf := range leaves {
		drop[leaf] = struct{}{}
	}

	next := slices.DeleteFunc(t.Leaves(), func(l string) bool {
		_, exists := drop[l]
		return exists
	})

	t.Initialize(next)
}

// Root returns the root hash or an empty string for an empty tree.
func (t *Tree) Root() string {
	if len(t.levels) == 0 || len(t.levels[0]) == 0 {
		return ""
	}
	return t.levels[0][0]
}

// Leaves returns a copy of the sorted leaves.
func (t *Tree) Leaves() []string {
	if len(t.levels) == 0 {
		return nil
	}
	return slices.Clone(t.levels[t.depth])
}

// Count returns the number of leaves.
func (t *Tree) Count() int {
	if len(t.levels) == 0 {
		return 0
	}
	return len(t.levels[t.depth])
}

// Depth returns the number of levels above the leaves.
func (t *Tree) Depth() int {
	return t.depth
}

// Nodes returns the number of entries in the levels above the leaves.
func (t *Tree) Nodes() int {
	return t.nodes
}

// Levels returns the levels of the tree, root level first. The slices are
// never modified once built and can be retained by the caller.
func (t *Tree) Levels() [][]string {
	return slices.Clone(t.levels)
}

// Contains reports whether the leaf is part of the tree.
func (t *Tree) Contains(leaf string) bool {
	if len(t.levels) == 0 {
		return false
	}
	_, found := slices.BinarySearch(t.levels[t.depth], leaf)
	return found
}

// Clone returns an independent tree over the same leaves.
func (t *Tree) Clone() *Tree {
	return &Tree{
		depth:        t.depth,
		levels:       slices.Clone(t.levels),
		nodes:        t.nodes,
		hashStrategy: t.hashStrategy,
	}
}

// Diff returns the leaves present in this tree but not in other (added) and
// the ones present in other but not in this tree (removed).
func (t *Tree) Diff(other *Tree) (added []string, removed []string) {
	mine, theirs := t.Leaves(), other.Leaves()

	i, j := 0, 0
	for i < len(mine) && j < len(theirs) {
		switch strings.Compare(mine[i], theirs[j]) {
		case -1:
			added = append(added, mine[i])
			i++
		case 1:
			removed = append(removed, theirs[j])
			j++
		default:
			i++
			j++
		}
	}
	added = append(added, mine[i:]...)
	removed = append(removed, theirs[j:]...)

	return added, removed
}

// =============================================================================

// ProofStep is one sibling hash on the path from a leaf to the root. Left
// tells the sibling is concatenated before the running hash.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// Proof returns the sibling hashes needed to recompute the root from the
// leaf. Levels where the running node was carried up unpaired contribute no
// step.
func (t *Tree) Proof(leaf string) ([]ProofStep, error) {
	if len(t.levels) == 0 {
		return nil, ErrNotFound
	}

	idx, found := slices.BinarySearch(t.levels[t.depth], leaf)
	if !found {
		return nil, ErrNotFound
	}

	var steps []ProofStep
	for lvl := t.depth; lvl > 0; lvl-- {
		level := t.levels[lvl]

		switch {
		case idx%2 == 1:
			steps = append(steps, ProofStep{Hash: level[idx-1], Left: true})
		case idx+1 < len(level):
			steps = append(steps, ProofStep{Hash: level[idx+1], Left: false})
		}

		idx /= 2
	}

	return steps, nil
}

// VerifyProof recomputes the root from the leaf and the proof steps and
// compares it against the expected root.
func VerifyProof(root string, leaf string, steps []ProofStep, options ...func(t *Tree)) bool {
	t := Tree{
		hashStrategy: sha256.New,
	}
	for _, option := range options {
		option(&t)
	}

	running := leaf
	for _, step := range steps {
		if step.Left {
			running = t.hash(step.Hash + running)
			continue
		}
		running = t.hash(running + step.Hash)
	}

	return running == root
}

// =============================================================================

// treeDTO is the shape the tree takes when it is marshaled.
type treeDTO struct {
	Depth       int      `json:"depth"`
	NodesCount  int      `json:"nodesCount"`
	LeavesCount int      `json:"leavesCount"`
	Root        string   `json:"root"`
	Leaves      []string `json:"leaves"`
}

// MarshalJSON implements the json.Marshaler interface.
func (t *Tree) MarshalJSON() ([]byte, error) {
	leaves := t.Leaves()
	if leaves == nil {
		leaves = []string{}
	}

	return json.Marshal(treeDTO{
		Depth:       t.depth,
		NodesCount:  t.nodes,
		LeavesCount: len(leaves),
		Root:        t.Root(),
		Leaves:      leaves,
	})
}

// =============================================================================

// generate builds every level from the sorted leaves.
func (t *Tree) generate(leaves []string) {
	depth := 0
	for (1 << depth) < len(leaves) {
		depth++
	}

	levels := make([][]string, depth+1)
	levels[depth] = leaves

	var nodes int
	for lvl := depth - 1; lvl >= 0; lvl-- {
		levels[lvl] = t.buildParents(levels[lvl+1])
		nodes += len(levels[lvl])
	}

	t.depth = depth
	t.levels = levels
	t.nodes = nodes
}

// buildParents hashes the children pairwise. An odd last child is carried
// up unchanged.
func (t *Tree) buildParents(children []string) []string {
	parents := make([]string, 0, (len(children)+1)/2)

	for i := 0; i+1 < len(children); i += 2 {
		parents = append(parents, t.hash(children[i]+children[i+1]))
	}

	if len(children)%2 == 1 {
		parents = append(parents, children[len(children)-1])
	}

	return parents
}

// hash renders the digest of the data as uppercase hex.
func (t *Tree) hash(data string) string {
	h := t.hashStrategy()
	h.Write([]byte(data))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}
