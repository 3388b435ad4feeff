package state

import (
	"crypto/sha256"
	"sort"
	"strings"

	"github.com/cshcomcom/ain-blockchain/types"
)

// trieNode is one node of a persistent key-value trie. A node's value
// is present only at the path that was explicitly set; intermediate
// path segments are pure routing nodes with a nil value.
type trieNode struct {
	value    []byte
	children map[string]*trieNode
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// trieGet walks root along parts and returns the value stored there,
// or (nil, false) if no value is set at that path.
func trieGet(root *trieNode, parts []string) ([]byte, bool) {
	n := root
	for _, p := range parts {
		if n == nil || n.children == nil {
			return nil, false
		}
		n = n.children[p]
	}
	if n == nil || n.value == nil {
		return nil, false
	}
	return n.value, true
}

// trieSet returns a new root with value set at parts, copying only the
// nodes along the written path (copy-on-write); siblings and
// unrelated subtrees are shared with root.
func trieSet(root *trieNode, parts []string, value []byte) *trieNode {
	if len(parts) == 0 {
		return &trieNode{value: value, children: copyChildren(root)}
	}
	head, rest := parts[0], parts[1:]
	newNode := &trieNode{children: copyChildren(root)}
	if root != nil {
		newNode.value = root.value
	}
	var child *trieNode
	if root != nil && root.children != nil {
		child = root.children[head]
	}
	newNode.children[head] = trieSet(child, rest, value)
	return newNode
}

// trieDelete returns a new root with the value at parts removed.
func trieDelete(root *trieNode, parts []string) *trieNode {
	if root == nil {
		return nil
	}
	if len(parts) == 0 {
		if root.children == nil || len(root.children) == 0 {
			return nil
		}
		return &trieNode{children: copyChildren(root)}
	}
	head, rest := parts[0], parts[1:]
	if root.children == nil {
		return root
	}
	child, ok := root.children[head]
	if !ok {
		return root
	}
	newNode := &trieNode{value: root.value, children: copyChildren(root)}
	newChild := trieDelete(child, rest)
	if newChild == nil {
		delete(newNode.children, head)
	} else {
		newNode.children[head] = newChild
	}
	return newNode
}

func copyChildren(n *trieNode) map[string]*trieNode {
	out := make(map[string]*trieNode)
	if n == nil || n.children == nil {
		return out
	}
	for k, v := range n.children {
		out[k] = v
	}
	return out
}

// trieHash computes a deterministic Merkle-style digest of the
// subtree rooted at n, combining the node's own value with its
// children's hashes in sorted key order so the digest does not depend
// on Go's randomized map iteration order.
func trieHash(n *trieNode) types.Hash {
	if n == nil {
		return types.Hash{}
	}
	h := sha256.New()
	h.Write(n.value)

	keys := make([]string, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		childHash := trieHash(n.children[k])
		h.Write([]byte(k))
		h.Write(childHash[:])
	}

	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// trieSize reports the number of value-bearing descendants of n,
// including n itself if it carries a value.
func trieSize(n *trieNode) int {
	if n == nil {
		return 0
	}
	count := 0
	if n.value != nil {
		count++
	}
	for _, c := range n.children {
		count += trieSize(c)
	}
	return count
}

// trieChildCount reports the number of direct children of the node at
// parts.
func trieChildCount(root *trieNode, parts []string) int {
	n := root
	for _, p := range parts {
		if n == nil || n.children == nil {
			return 0
		}
		n = n.children[p]
	}
	if n == nil {
		return 0
	}
	return len(n.children)
}
