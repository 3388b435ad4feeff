// Package evidence implements a Byzantine evidence pool: detection of
// equivocating (duplicate/conflicting) votes from the same validator
// at the same epoch, and retention of proof for later reporting.
//
// This is carried forward from the teacher's evidence/pool.go almost
// unchanged in shape -- spec.md section 8's one-vote-per-epoch
// property is exactly what this pool defends, even though spec.md
// does not name an evidence pool explicitly.
package evidence
