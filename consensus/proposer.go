package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/rand"

	"github.com/cshcomcom/ain-blockchain/types"
)

var ErrNoValidators = errors.New("cannot select a proposer from an empty validator set")

// ProposerSeed builds the deterministic seed for epoch E extending a
// block whose last_votes hashed to lastVotesHash, matching spec.md
// section 4.5: seed = concat(B.last_votes_hash, E).
func ProposerSeed(lastVotesHash types.Hash, epoch int64) []byte {
	seed := make([]byte, types.HashSize+8)
	copy(seed, lastVotesHash[:])
	binary.BigEndian.PutUint64(seed[types.HashSize:], uint64(epoch))
	return seed
}

// SelectProposer draws the proposer for epoch E over validators,
// matching spec.md section 4.5's proposer-selection algorithm: a
// seedable PRNG draws a uniform integer in [0, total_stake); the
// first validator, iterated in ascending canonical address order,
// whose cumulative stake exceeds the draw is the proposer.
//
// This is pure: the same (validators, lastVotesHash, epoch) always
// produces the same result across nodes, which is the proposer-
// determinism property of spec.md section 8.
func SelectProposer(lastVotesHash types.Hash, epoch int64, validators *types.ValidatorSet) (types.AccountName, error) {
	if validators == nil || validators.Size() == 0 || validators.TotalStake <= 0 {
		return "", ErrNoValidators
	}

	seed := ProposerSeed(lastVotesHash, epoch)
	digest := sha256.Sum256(seed)
	source := rand.NewSource(int64(binary.BigEndian.Uint64(digest[:8])))
	draw := rand.New(source).Int63n(validators.TotalStake)

	var cumulative int64
	for _, v := range validators.Validators { // already sorted ascending by address
		cumulative += v.Stake
		if cumulative > draw {
			return v.Address, nil
		}
	}
	// Unreachable when TotalStake matches the sum of validator
	// stakes, which NewValidatorSet guarantees.
	return validators.Validators[len(validators.Validators)-1].Address, nil
}
