package merkle

import (
	"errors"
	"fmt"
	"testing"

	"github.com/SwapGraph-Network/clearing_engine/internal/canonical"
)

func leafSet(n int) []string {
	leaves := make([]string, n)
	for i := range leaves {
		leaves[i] = canonical.SHA256Hex([]byte(fmt.Sprintf("leaf-%d", i)))
	}
	return leaves
}

func TestBuild_RootDeterministic(t *testing.T) {
	a := Build(leafSet(5))
	b := Build(leafSet(5))
	if a.Root() != b.Root() {
		t.Fatal("identical leaves must produce identical roots")
	}
	if a.LeafCount() != 5 {
		t.Fatalf("leaf count = %d, want 5", a.LeafCount())
	}
	c := Build(leafSet(6))
	if a.Root() == c.Root() {
		t.Fatal("different leaf sets must not collide")
	}
}

func TestProveVerify_AllLeaves(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 9} {
		leaves := leafSet(n)
		tree := Build(leaves)
		for i := 0; i < n; i++ {
			proof, err := tree.Prove(i)
			if err != nil {
				t.Fatalf("n=%d prove(%d): %v", n, i, err)
			}
			if err := Verify(tree.Root(), leaves[i], proof); err != nil {
				t.Fatalf("n=%d verify(%d): %v", n, i, err)
			}
		}
	}
}

func TestVerify_TamperedSibling(t *testing.T) {
	leaves := leafSet(5)
	tree := Build(leaves)
	proof, err := tree.Prove(2)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}

	// Flip a bit of one sibling hash.
	tampered := []byte(proof.Siblings[0].Hash)
	if tampered[0] == 'a' {
		tampered[0] = 'b'
	} else {
		tampered[0] = 'a'
	}
	proof.Siblings[0].Hash = string(tampered)

	err = Verify(tree.Root(), leaves[2], proof)
	var verr *VerificationError
	if !errors.As(err, &verr) || verr.Reason != ReasonRootMismatch {
		t.Fatalf("expected root_mismatch, got %v", err)
	}
}

func TestVerify_TamperedLeaf(t *testing.T) {
	leaves := leafSet(4)
	tree := Build(leaves)
	proof, _ := tree.Prove(1)

	err := Verify(tree.Root(), canonical.SHA256Hex([]byte("other")), proof)
	var verr *VerificationError
	if !errors.As(err, &verr) || verr.Reason != ReasonLeafHashMismatch {
		t.Fatalf("expected leaf_hash_mismatch, got %v", err)
	}
}

func TestVerify_InvalidPosition(t *testing.T) {
	leaves := leafSet(2)
	tree := Build(leaves)
	proof, _ := tree.Prove(0)
	proof.Siblings[0].Position = "up"

	err := Verify(tree.Root(), leaves[0], proof)
	var verr *VerificationError
	if !errors.As(err, &verr) || verr.Reason != ReasonInvalidSiblingPosition {
		t.Fatalf("expected invalid_sibling_position, got %v", err)
	}
}

func TestBuild_EmptyAndOdd(t *testing.T) {
	empty := Build(nil)
	if empty.Root() == "" {
		t.Fatal("empty tree still needs a defined root")
	}
	if empty.LeafCount() != 0 {
		t.Fatalf("empty leaf count = %d", empty.LeafCount())
	}

	// Odd leaf pairs with itself: three leaves, level one is
	// [H(l0,l1), H(l2,l2)].
	leaves := leafSet(3)
	tree := Build(leaves)
	proof, _ := tree.Prove(2)
	if proof.Siblings[0].Hash != leaves[2] || proof.Siblings[0].Position != PositionRight {
		t.Fatalf("odd leaf should pair with itself, got %+v", proof.Siblings[0])
	}
	selfPaired := canonical.HashPair(leaves[2], leaves[2])
	wantRoot := canonical.HashPair(canonical.HashPair(leaves[0], leaves[1]), selfPaired)
	if tree.Root() != wantRoot {
		t.Fatalf("root = %s, want %s", tree.Root(), wantRoot)
	}
}
