// Package merkle builds the anchoring trees over audit receipt hashes and
// verifies inclusion proofs against published roots.
//
// Nodes combine their children in sorted-pair order (min ‖ max), so proofs
// carry only sibling hashes with no left/right positions. Leaf and node
// hashes are domain separated.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

const (
	leafPrefix = "datapact:anchor:leaf:v1"
	nodePrefix = "datapact:anchor:node:v1"
)

// Tree is a Merkle tree over a batch of receipt hashes.
type Tree struct {
	Leaves []string   // domain-separated leaf hashes, sorted ascending
	Root   string
	Levels [][]string // node hashes per level, leaves first, root level last

	// leafByValue maps the original value to its leaf index.
	leafByValue map[string]int
}

// BuildTree constructs a tree over the given values (receipt hashes). Leaf
// hashes are sorted before pairing; an odd trailing leaf is duplicated.
func BuildTree(values []string) (*Tree, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("merkle: empty batch")
	}

	type leaf struct {
		value string
		hash  string
	}
	leaves := make([]leaf, len(values))
	for i, v := range values {
		leaves[i] = leaf{value: v, hash: LeafHash(v)}
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].hash < leaves[j].hash })

	tree := &Tree{
		Leaves:      make([]string, len(leaves)),
		leafByValue: make(map[string]int, len(leaves)),
	}
	for i, l := range leaves {
		tree.Leaves[i] = l.hash
		if _, ok := tree.leafByValue[l.value]; !ok {
			tree.leafByValue[l.value] = i
		}
	}

	level := append([]string(nil), tree.Leaves...)
	tree.Levels = append(tree.Levels, level)
	for len(level) > 1 {
		level = nextLevel(level)
		tree.Levels = append(tree.Levels, level)
	}
	tree.Root = level[0]
	return tree, nil
}

// Proof returns the sibling hashes for value, bottom-up.
func (t *Tree) Proof(value string) ([]string, error) {
	idx, ok := t.leafByValue[value]
	if !ok {
		return nil, fmt.Errorf("merkle: value not in batch")
	}

	proof := make([]string, 0, len(t.Levels))
	for _, level := range t.Levels[:len(t.Levels)-1] {
		padded := level
		if len(padded)%2 != 0 {
			padded = append(append([]string(nil), padded...), padded[len(padded)-1])
		}
		sibling := idx ^ 1
		proof = append(proof, padded[sibling])
		idx /= 2
	}
	return proof, nil
}

// VerifyInclusion recomputes the root from a value and its sibling path.
// Any substituted value, sibling, or root fails.
func VerifyInclusion(value string, proof []string, expectedRoot string) bool {
	current := LeafHash(value)
	for _, sibling := range proof {
		current = nodeHash(current, sibling)
	}
	return current == expectedRoot
}

// LeafHash returns the domain-separated leaf hash of a value.
func LeafHash(value string) string {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(value)
	return sha256Hex(buf.Bytes())
}

func nextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(append([]string(nil), hashes...), hashes[count-1])
		count++
	}

	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

// nodeHash combines two child hashes in sorted order.
func nodeHash(a, b string) string {
	if b < a {
		a, b = b, a
	}
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(a))
	buf.Write(hexToBytes(b))
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
