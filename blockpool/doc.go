// Package blockpool implements the BlockPool component: a DAG of
// seen block proposals and votes keyed by block hash, tracking
// notarization tallies, extending chains and the longest-notarized
// tips.
//
// The tally and one-vote-per-epoch bookkeeping is grounded on the
// teacher's engine/vote_tracker.go HeightVoteSet/VoteSet pair --
// mutex-guarded maps with majority-crossing detection -- generalized
// here from per-(height,round) vote sets to per-block-hash DAG nodes.
package blockpool
