package types

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// VotePayload is the value written to /consensus/number/<N>/<addr> by
// a vote transaction, matching spec.md section 3.
type VotePayload struct {
	BlockHash Hash  `json:"blockHash"`
	Stake     int64 `json:"stake"`
}

// ProposalPayload is the value written to /consensus/number/<N>/propose
// by a proposal transaction. It carries the full block so that it can
// be replayed as the next block's last_votes entry, matching spec.md
// section 4.5 step 7.
type ProposalPayload struct {
	BlockHash Hash  `json:"blockHash"`
	Block     Block `json:"block"`
}

var (
	ErrNotAVote     = errors.New("transaction is not a vote")
	ErrNotAProposal = errors.New("transaction is not a proposal")
)

// VotePath returns the database path a vote for block number n by
// addr is written to.
func VotePath(n int64, addr AccountName) string {
	return fmt.Sprintf("/consensus/number/%d/%s", n, addr)
}

// ProposePath returns the database path the proposal for block number
// n is written to.
func ProposePath(n int64) string {
	return fmt.Sprintf("/consensus/number/%d/propose", n)
}

// NewVoteTx builds and signs a vote transaction for the given block.
func NewVoteTx(n int64, blockHash Hash, stake int64, timestamp int64, priv ed25519.PrivateKey) (*Transaction, error) {
	payload, err := json.Marshal(VotePayload{BlockHash: blockHash, Stake: stake})
	if err != nil {
		return nil, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	addr, err := AddressFromPublicKey(PublicKey(pub))
	if err != nil {
		return nil, err
	}
	body := TxBody{
		Operation: Operation{
			Type:  OpSetValue,
			Path:  VotePath(n, addr),
			Value: payload,
		},
		Nonce:     UnorderedNonce,
		Timestamp: timestamp,
	}
	return NewTransaction(body, priv)
}

// DecodeVote extracts the VotePayload from a vote transaction.
func DecodeVote(tx *Transaction) (*VotePayload, error) {
	if tx == nil || tx.Body.Operation.Type != OpSetValue || tx.Body.Operation.Value == nil ||
		strings.HasSuffix(tx.Body.Operation.Path, "/propose") {
		return nil, ErrNotAVote
	}
	var payload VotePayload
	if err := json.Unmarshal(tx.Body.Operation.Value, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAVote, err)
	}
	return &payload, nil
}

// NewProposalTx builds and signs a proposal transaction for block. Any
// extraOps (e.g. a DELETE pruning an old consensus record once the
// retention window is exceeded, per spec.md section 4.5 step 7) are
// folded into the same signed operation as a compound SET.
func NewProposalTx(block *Block, timestamp int64, priv ed25519.PrivateKey, extraOps ...Operation) (*Transaction, error) {
	payload, err := json.Marshal(ProposalPayload{BlockHash: block.Hash, Block: *block})
	if err != nil {
		return nil, err
	}
	writeOp := Operation{Type: OpSetValue, Path: ProposePath(block.Number), Value: payload}
	op := writeOp
	if len(extraOps) > 0 {
		op = Operation{Type: OpSet, SetList: append([]Operation{writeOp}, extraOps...)}
	}
	body := TxBody{
		Operation: op,
		Nonce:     UnorderedNonce,
		Timestamp: timestamp,
	}
	return NewTransaction(body, priv)
}

// DecodeProposal extracts the ProposalPayload from a proposal
// transaction, looking past any retention-pruning DELETE folded into
// the same compound operation by NewProposalTx's extraOps.
func DecodeProposal(tx *Transaction) (*ProposalPayload, error) {
	if tx == nil {
		return nil, ErrNotAProposal
	}
	op := tx.Body.Operation
	if op.Type == OpSet {
		for _, inner := range op.SetList {
			if inner.Type == OpSetValue && inner.Value != nil {
				op = inner
				break
			}
		}
	}
	if op.Type != OpSetValue || op.Value == nil || !strings.HasSuffix(op.Path, "/propose") {
		return nil, ErrNotAProposal
	}
	var payload ProposalPayload
	if err := json.Unmarshal(op.Value, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAProposal, err)
	}
	return &payload, nil
}
