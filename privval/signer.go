package privval

import (
	"errors"

	"github.com/cshcomcom/ain-blockchain/types"
)

var (
	ErrDoubleSign      = errors.New("double sign attempt")
	ErrEpochRegression = errors.New("epoch regression")
)

// Signer is the validator-facing signing surface. It is deliberately
// narrow: consensus code asks for a signed vote or proposal
// transaction, never a raw signature, so the per-epoch double-sign
// guard cannot be bypassed by a caller that forgets to check it.
type Signer interface {
	GetAddress() types.AccountName
	GetPublicKey() types.PublicKey
	SignVote(blockNumber int64, epoch int64, blockHash types.Hash, stake int64, timestamp int64) (*types.Transaction, error)
	SignProposal(block *types.Block, timestamp int64, extraOps ...types.Operation) (*types.Transaction, error)
}

// SignRecord is the last epoch and block hash this validator signed
// for one message kind (vote or proposal). spec.md section 8 already
// enforces one-vote/one-proposal-per-epoch at the pool level; this is
// the same invariant enforced a second time at the signing boundary,
// so a validator process can never emit a conflicting signature even
// if its view of the pool is stale.
type SignRecord struct {
	Epoch     int64      `json:"epoch"`
	BlockHash types.Hash `json:"blockHash"`
}

// CheckAndAdvance validates that signing at epoch for blockHash would
// not regress or conflict with r, and returns the record to persist.
// Re-signing the same (epoch, blockHash) is allowed and returns the
// unchanged record; the re-signed transaction differs from the first
// whenever its timestamp does.
func (r SignRecord) CheckAndAdvance(epoch int64, blockHash types.Hash) (SignRecord, error) {
	if epoch < r.Epoch {
		return r, ErrEpochRegression
	}
	if epoch == r.Epoch {
		if blockHash.Equal(r.BlockHash) {
			return r, nil
		}
		return r, ErrDoubleSign
	}
	return SignRecord{Epoch: epoch, BlockHash: blockHash}, nil
}
