// Package state implements the StateVersionManager and DatabaseView
// components: a forest of named, copy-on-write key-value tries and
// the transaction-executing view bound to one named version plus a
// block-number snapshot.
//
// A version's root is a persistent trie node; Clone does not copy any
// node, it only adds a new name pointing at the same root. Writes
// through a DatabaseView copy nodes along the written path only
// (structural sharing), the pattern spec.md section 9 calls out
// explicitly as "named immutable roots with structural sharing".
package state
