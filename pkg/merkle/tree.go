// Package merkle builds the evidence tree over an exported bundle's record
// streams and verifies inclusion proofs against its root. Leaf and node
// hashes are domain-separated so a leaf can never be replayed as a node.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/mimicproof/core/pkg/canonicalize"
)

const (
	leafDomain = "mimicproof:evidence:leaf:v1"
	nodeDomain = "mimicproof:evidence:node:v1"
)

// Leaf is one canonicalized entry of the tree, addressed by path.
type Leaf struct {
	Path     string
	Bytes    []byte
	LeafHash string
}

// Tree is the full evidence tree. Levels[0] holds the leaf hashes; the last
// level holds only the root.
type Tree struct {
	Leaves []Leaf
	Root   string
	Levels [][]string
}

// Build constructs the tree from path-addressed values. Values are JCS
// canonicalized before hashing, so the root is independent of map order and
// encoder whitespace.
func Build(data map[string]interface{}) (*Tree, error) {
	paths := make([]string, 0, len(data))
	for k := range data {
		paths = append(paths, k)
	}
	sort.Strings(paths)

	leaves := make([]Leaf, len(paths))
	for i, path := range paths {
		canonical, err := canonicalize.JCS(data[path])
		if err != nil {
			return nil, fmt.Errorf("merkle: canonicalize %s: %w", path, err)
		}
		leafBytes := leafPreimage(path, canonical)
		leaves[i] = Leaf{
			Path:     path,
			Bytes:    leafBytes,
			LeafHash: sha256Hex(leafBytes),
		}
	}
	if len(leaves) == 0 {
		return &Tree{}, nil
	}

	tree := &Tree{Leaves: leaves}
	level := make([]string, len(leaves))
	for i, l := range leaves {
		level[i] = l.LeafHash
	}
	for len(level) > 1 {
		tree.Levels = append(tree.Levels, level)
		level = nextLevel(level)
	}
	tree.Levels = append(tree.Levels, level)
	tree.Root = level[0]
	return tree, nil
}

func leafPreimage(path string, canonical []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(leafDomain)
	buf.WriteByte(0)
	buf.WriteString(path)
	buf.WriteByte(0)
	buf.Write(canonical)
	return buf.Bytes()
}

// nextLevel pairs hashes left to right, duplicating an odd trailing hash.
func nextLevel(hashes []string) []string {
	if len(hashes)%2 != 0 {
		hashes = append(hashes, hashes[len(hashes)-1])
	}
	out := make([]string, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		out[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return out
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodeDomain)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
