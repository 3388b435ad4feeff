// Package txpool implements the TransactionPool component: per-account
// ordered transaction queues with admission, eligibility filtering and
// finalization pruning.
//
// The admission and eligibility bookkeeping follows the same shape as
// the teacher's engine/vote_tracker.go HeightVoteSet -- a mutex-
// guarded map keyed by a per-entity string -- adapted here from
// per-validator vote sets to per-account transaction queues.
package txpool
