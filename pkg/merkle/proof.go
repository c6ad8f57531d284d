package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// InclusionProof lets a third party confirm one leaf against a trusted root
// without the rest of the bundle.
type InclusionProof struct {
	LeafPath  string      `json:"leaf_path"`
	LeafHash  string      `json:"leaf_hash"`
	Root      string      `json:"root"`
	ProofPath []ProofStep `json:"proof_path"`
}

// ProofStep names a sibling hash and which side it sits on.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// ProofFor produces the inclusion proof for a leaf path.
func (t *Tree) ProofFor(path string) (InclusionProof, error) {
	index := -1
	for i, l := range t.Leaves {
		if l.Path == path {
			index = i
			break
		}
	}
	if index < 0 {
		return InclusionProof{}, fmt.Errorf("merkle: no leaf at %s", path)
	}

	proof := InclusionProof{
		LeafPath: path,
		LeafHash: t.Leaves[index].LeafHash,
		Root:     t.Root,
	}
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sibling := index ^ 1
		if sibling >= len(level) {
			sibling = index // odd trailing hash pairs with itself
		}
		side := "R"
		if sibling < index {
			side = "L"
		}
		proof.ProofPath = append(proof.ProofPath, ProofStep{
			Side:        side,
			SiblingHash: level[sibling],
		})
		index /= 2
	}
	return proof, nil
}

// Verify recomputes the path from leaf to root and compares against the
// trusted root. An empty expectedRoot trusts the proof's own.
func Verify(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && proof.Root != expectedRoot {
		return false
	}

	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		combined := append([]byte(nodeDomain), 0)
		if step.Side == "L" {
			combined = append(combined, hexToBytes(step.SiblingHash)...)
			combined = append(combined, hexToBytes(current)...)
		} else {
			combined = append(combined, hexToBytes(current)...)
			combined = append(combined, hexToBytes(step.SiblingHash)...)
		}
		sum := sha256.Sum256(combined)
		current = hex.EncodeToString(sum[:])
	}
	return current == proof.Root
}
