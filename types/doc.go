// Package types defines the wire and domain types shared by the
// consensus, block pool, state and p2p packages: blocks, transactions,
// votes, proposals, accounts and validator sets.
//
// Every type here is a plain Go struct with JSON tags; there is no
// generated-code layer. Hashing is canonical-JSON-marshal followed by
// SHA-256 (see hash.go), and signing/verification is ed25519 over the
// same canonical bytes. Values are treated as immutable once
// constructed; callers that need to mutate a Block or Transaction
// should deep-copy first (CopyBlock, CopyTransaction).
package types
