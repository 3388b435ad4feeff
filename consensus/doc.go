// Package consensus implements the ConsensusEngine component: the
// epoch clock, proposer selection, proposal construction and
// verification, vote verification, three-chain finalization and
// catch-up.
//
// Engine keeps the teacher's single-goroutine, channel-driven event
// loop (engine/state.go's receiveRoutine) but drives it from an epoch
// tick instead of a round-step timeout, and replaces the teacher's
// weighted-round-robin proposer rotation with a seedable PRNG draw
// over cumulative stake.
package consensus
