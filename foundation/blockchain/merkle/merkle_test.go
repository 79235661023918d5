package merkle_test

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/ardanlabs/blockforge/foundation/blockchain/merkle"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

// =============================================================================

func Test_Fixtures(t *testing.T) {
	type table struct {
		name   string
		leaves []string
		root   string
		depth  int
		levels int
		nodes  int
	}

	tt := []table{
		{
			name:   "empty",
			leaves: []string{},
			root:   "",
			depth:  0,
			levels: 1,
			nodes:  0,
		},
		{
			name:   "single",
			leaves: []string{"a"},
			root:   "a",
			depth:  0,
			levels: 1,
			nodes:  0,
		},
		{
			name:   "pair",
			leaves: []string{"b", "a"},
			root:   "FB8E20FC2E4C3F248C60C39BD652F3C1347298BB977B8B4D5903B85055620603",
			depth:  1,
			levels: 2,
			nodes:  1,
		},
		{
			name:   "five",
			leaves: []string{"a", "b", "c", "d", "e"},
			root:   "EBFF5D6416F916E97D4A6959A18A3783A09581CF598C571A91F7805FC35609EE",
			depth:  3,
			levels: 4,
			nodes:  6,
		},
	}

	t.Log("Given the need to build merkle trees over known leaf sets.")
	{
		for testID, tst := range tt {
			t.Logf("\tTest %d:\tWhen handling the %s leaf set.", testID, tst.name)
			{
				f := func(t *testing.T) {
					tree := merkle.NewTree(tst.leaves)

					if tree.Root() != tst.root {
						t.Logf("\t\tgot: %s", tree.Root())
						t.Logf("\t\texp: %s", tst.root)
						t.Fatalf("\t%s\tTest %d:\tShould get back the right root.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould get back the right root.", success, testID)

					if tree.Depth() != tst.depth {
						t.Fatalf("\t%s\tTest %d:\tShould have depth %d: got %d", failed, testID, tst.depth, tree.Depth())
					}
					t.Logf("\t%s\tTest %d:\tShould have depth %d.", success, testID, tst.depth)

					if len(tree.Levels()) != tst.levels {
						t.Fatalf("\t%s\tTest %d:\tShould have %d levels: got %d", failed, testID, tst.levels, len(tree.Levels()))
					}
					t.Logf("\t%s\tTest %d:\tShould have %d levels.", success, testID, tst.levels)

					if tree.Nodes() != tst.nodes {
						t.Fatalf("\t%s\tTest %d:\tShould have %d nodes: got %d", failed, testID, tst.nodes, tree.Nodes())
					}
					t.Logf("\t%s\tTest %d:\tShould have %d nodes.", success, testID, tst.nodes)

					if tree.Count() != len(tst.leaves) || tree.Count() != len(tree.Leaves()) {
						t.Fatalf("\t%s\tTest %d:\tShould count %d leaves: got %d", failed, testID, len(tst.leaves), tree.Count())
					}
					t.Logf("\t%s\tTest %d:\tShould count %d leaves.", success, testID, len(tst.leaves))
				}

				t.Run(tst.name, f)
			}
		}
	}
}

func Test_Levels(t *testing.T) {
	tree := merkle.NewTree([]string{"e", "d", "c", "b", "a"})

	exp := [][]string{
		{"EBFF5D6416F916E97D4A6959A18A3783A09581CF598C571A91F7805FC35609EE"},
		{"C1E70A0150D82BF838E346D34BB993AC01A2A7D5FDBAA809D9485F37734E5005", "e"},
		{"FB8E20FC2E4C3F248C60C39BD652F3C1347298BB977B8B4D5903B85055620603", "21E721C35A5823FDB452FA2F9F0A612C74FB952E06927489C6B27A43B817BED4", "e"},
		{"a", "b", "c", "d", "e"},
	}

	levels := tree.Levels()
	for i := range exp {
		if !slices.Equal(levels[i], exp[i]) {
			t.Logf("got: %v", levels[i])
			t.Logf("exp: %v", exp[i])
			t.Fatalf("Should get back the right level %d.", i)
		}
	}
}

func Test_OrderInvariance(t *testing.T) {
	a := merkle.NewTree([]string{"x", "y", "z", "w"})
	b := merkle.NewTree([]string{"z", "w", "y", "x"})
	c := merkle.NewTree([]string{"w", "x", "x", "y", "z"})

	if a.Root() != b.Root() || a.Root() != c.Root() {
		t.Fatalf("Should get the same root for the same set of leaves: %s %s %s", a.Root(), b.Root(), c.Root())
	}

	if c.Count() != 4 {
		t.Fatalf("Should drop duplicate leaves: got %d leaves", c.Count())
	}
}

func Test_PushRemove(t *testing.T) {
	t.Log("Given the need to mutate a merkle tree.")
	{
		tree := merkle.NewTree(nil)

		tree.Push("x", "")
		if tree.Root() != "x" || tree.Count() != 1 {
			t.Fatalf("\t%s\tShould be able to push a leaf into an empty tree.", failed)
		}
		t.Logf("\t%s\tShould be able to push a leaf into an empty tree.", success)

		tree.Remove("x")
		if tree.Root() != "" || tree.Count() != 0 || tree.Depth() != 0 || tree.Nodes() != 0 {
			t.Fatalf("\t%s\tShould restore the empty tree after removing the leaf.", failed)
		}
		t.Logf("\t%s\tShould restore the empty tree after removing the leaf.", success)

		tree.Push("b", "")
		tree.Push("a", "")
		root := tree.Root()
		tree.Push("a", "")
		if tree.Root() != root || tree.Count() != 2 {
			t.Fatalf("\t%s\tShould ignore a second push of the same leaf.", failed)
		}
		t.Logf("\t%s\tShould ignore a second push of the same leaf.", success)

		tree.Push("c", "a")
		if !slices.Equal(tree.Leaves(), []string{"b", "c"}) {
			t.Fatalf("\t%s\tShould replace the previous leaf: got %v", failed, tree.Leaves())
		}
		t.Logf("\t%s\tShould replace the previous leaf.", success)

		tree.Push("c", "b")
		if !slices.Equal(tree.Leaves(), []string{"b", "c"}) {
			t.Fatalf("\t%s\tShould not remove previous when leaf already exists: got %v", failed, tree.Leaves())
		}
		t.Logf("\t%s\tShould not remove previous when leaf already exists.", success)
	}
}

func Test_Batches(t *testing.T) {
	tree := merkle.NewTree([]string{"b"})

	tree.PushMany([]string{"e", "a", "b", "d", "c", "e"})
	if !slices.Equal(tree.Leaves(), []string{"a", "b", "c", "d", "e"}) {
		t.Fatalf("Should end with a sorted set without duplicates: got %v", tree.Leaves())
	}

	fixture := merkle.NewTree([]string{"a", "b", "c", "d", "e"})
	if tree.Root() != fixture.Root() {
		t.Fatalf("Should get the same root as a tree built in one pass.")
	}

	tree.RemoveMany([]string{"a", "e", "zz"})
	if !slices.Equal(tree.Leaves(), []string{"b", "c", "d"}) {
		t.Fatalf("Should remove the present leaves: got %v", tree.Leaves())
	}
}

func Test_SnapshotIsStable(t *testing.T) {
	tree := merkle.NewTree([]string{"a", "b", "c"})
	levels := tree.Levels()
	root := tree.Root()

	tree.Push("d", "")

	if levels[0][0] != root {
		t.Fatalf("Should not patch a previously returned snapshot.")
	}
	if tree.Root() == root {
		t.Fatalf("Should change the root when the set changes.")
	}
}

func Test_Proof(t *testing.T) {
	leaves := []string{"a", "b", "c", "d", "e"}

	for _, options := range [][]func(*merkle.Tree){nil, {merkle.WithHashStrategy(merkle.Blake3)}} {
		tree := merkle.NewTree(leaves, options...)

		for _, leaf := range leaves {
			proof, err := tree.Proof(leaf)
			if err != nil {
				t.Fatalf("Should be able to build a proof for %q: %s", leaf, err)
			}

			if !merkle.VerifyProof(tree.Root(), leaf, proof, options...) {
				t.Fatalf("Should be able to verify the proof for %q.", leaf)
			}

			if merkle.VerifyProof(tree.Root(), leaf+"x", proof, options...) {
				t.Fatalf("Should not verify the proof for another leaf.")
			}
		}

		if _, err := tree.Proof("zz"); err == nil {
			t.Fatalf("Should not build a proof for a missing leaf.")
		}
	}
}

func Test_Diff(t *testing.T) {
	next := merkle.NewTree([]string{"a", "c", "d"})
	prev := merkle.NewTree([]string{"a", "b", "c"})

	added, removed := next.Diff(prev)
	if !slices.Equal(added, []string{"d"}) || !slices.Equal(removed, []string{"b"}) {
		t.Fatalf("Should get back the changes: added %v removed %v", added, removed)
	}

	clone := next.Clone()
	clone.Push("e", "")
	if next.Contains("e") {
		t.Fatalf("Should not change the tree a clone was taken from.")
	}
}

func Test_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(merkle.NewTree(nil))
	if err != nil {
		t.Fatalf("Should be able to marshal the tree: %s", err)
	}

	const exp = `{"depth":0,"nodesCount":0,"leavesCount":0,"root":"","leaves":[]}`
	if string(data) != exp {
		t.Logf("got: %s", data)
		t.Logf("exp: %s", exp)
		t.Fatalf("Should marshal an empty tree.")
	}
}
