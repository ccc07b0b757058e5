// Package merkle builds balanced binary hash trees over ordered leaf hashes
// and produces inclusion proofs for custody snapshots. Interior nodes are
// combined with canonical.HashPair; an odd node at any level is paired with
// itself.
package merkle

import (
	"fmt"

	"github.com/SwapGraph-Network/clearing_engine/internal/canonical"
)

// Sibling positions within a proof step.
const (
	PositionLeft  = "left"
	PositionRight = "right"
)

// Verification failure reasons.
const (
	ReasonLeafHashMismatch       = "leaf_hash_mismatch"
	ReasonRootMismatch           = "root_mismatch"
	ReasonInvalidSiblingPosition = "invalid_sibling_position"
)

// ProofStep names one sibling hash and which side of the pair it sits on.
type ProofStep struct {
	Position string `json:"position"`
	Hash     string `json:"hash"`
}

// InclusionProof proves that the leaf at LeafIndex is part of a tree.
type InclusionProof struct {
	LeafIndex int         `json:"leaf_index"`
	LeafHash  string      `json:"leaf_hash"`
	Siblings  []ProofStep `json:"siblings"`
}

// VerificationError reports why a proof failed, with one of the Reason*
// constants.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("merkle: verification failed: %s", e.Reason)
}

// Tree holds every level of node hashes, leaves first.
type Tree struct {
	levels [][]string
}

// Build constructs a tree from ordered leaf hashes. An empty leaf set yields
// a tree whose root is the hash of the empty pair, so snapshots with zero
// holdings still have a well-defined root.
func Build(leaves []string) *Tree {
	if len(leaves) == 0 {
		return &Tree{levels: [][]string{{canonical.HashPair("", "")}}}
	}
	levels := [][]string{append([]string(nil), leaves...)}
	current := levels[0]
	for len(current) > 1 {
		next := make([]string, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			left := current[i]
			right := left // odd node pairs with itself
			if i+1 < len(current) {
				right = current[i+1]
			}
			next = append(next, canonical.HashPair(left, right))
		}
		levels = append(levels, next)
		current = next
	}
	return &Tree{levels: levels}
}

// Root returns the root hash.
func (t *Tree) Root() string {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// LeafCount returns the number of leaves the tree was built from.
func (t *Tree) LeafCount() int {
	if len(t.levels) == 1 && len(t.levels[0]) == 1 && t.levels[0][0] == canonical.HashPair("", "") {
		return 0
	}
	return len(t.levels[0])
}

// Prove returns the inclusion proof for the leaf at index, walking bottom-up
// and recording the sibling on each level.
func (t *Tree) Prove(index int) (InclusionProof, error) {
	leaves := t.levels[0]
	if index < 0 || index >= len(leaves) {
		return InclusionProof{}, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(leaves))
	}
	proof := InclusionProof{LeafIndex: index, LeafHash: leaves[index]}
	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		var step ProofStep
		if pos%2 == 0 {
			sibling := pos // odd node pairs with itself
			if pos+1 < len(level) {
				sibling = pos + 1
			}
			step = ProofStep{Position: PositionRight, Hash: level[sibling]}
		} else {
			step = ProofStep{Position: PositionLeft, Hash: level[pos-1]}
		}
		proof.Siblings = append(proof.Siblings, step)
		pos /= 2
	}
	return proof, nil
}

// Verify folds the proof's siblings over leafHash and compares against root.
// leafHash is the independently recomputed hash of the holding being proven.
func Verify(root, leafHash string, proof InclusionProof) error {
	if proof.LeafHash != leafHash {
		return &VerificationError{Reason: ReasonLeafHashMismatch}
	}
	current := proof.LeafHash
	for _, step := range proof.Siblings {
		switch step.Position {
		case PositionLeft:
			current = canonical.HashPair(step.Hash, current)
		case PositionRight:
			current = canonical.HashPair(current, step.Hash)
		default:
			return &VerificationError{Reason: ReasonInvalidSiblingPosition}
		}
	}
	if current != root {
		return &VerificationError{Reason: ReasonRootMismatch}
	}
	return nil
}
