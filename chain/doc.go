// Package chain implements the Blockchain component: an append-only
// log of finalized blocks, plus chain-segment production and
// validation for catch-up.
package chain
