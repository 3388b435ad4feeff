package types

import (
	"crypto/ed25519"
	"encoding/json"
)

// Block is the immutable unit of the finalized ledger, matching
// spec.md section 3.
type Block struct {
	Number         int64            `json:"number"`
	Epoch          int64            `json:"epoch"`
	LastHash       Hash             `json:"lastHash"`
	Hash           Hash             `json:"hash"`
	Proposer       AccountName      `json:"proposer"`
	Validators     []ValidatorStake `json:"validators"`
	Transactions   []Transaction    `json:"transactions"`
	LastVotes      []Transaction    `json:"lastVotes"`
	GasAmountTotal int64            `json:"gasAmountTotal"`
	GasCostTotal   int64            `json:"gasCostTotal"`
	StateProofHash Hash             `json:"stateProofHash"`
	Timestamp      int64            `json:"timestamp"`
}

// GenesisTimestamp is the fixed timestamp stamped on the genesis
// block, matching spec.md section 3's "fixed timestamp" requirement.
const GenesisTimestamp int64 = 0

// NewGenesisBlock builds the distinguished number=0 block for the
// given genesis validator whitelist.
func NewGenesisBlock(validators []ValidatorStake) *Block {
	b := &Block{
		Number:     0,
		Epoch:      0,
		LastHash:   Hash{},
		Proposer:   "",
		Validators: validators,
		Timestamp:  GenesisTimestamp,
	}
	b.Hash = BlockHash(b)
	return b
}

// BlockHash computes the deterministic digest over every field of b
// except Hash itself, matching spec.md's "hash (deterministic digest
// over the remaining fields)".
func BlockHash(b *Block) Hash {
	if b == nil {
		return Hash{}
	}
	unhashed := *b
	unhashed.Hash = Hash{}
	h, err := HashJSON(&unhashed)
	if err != nil {
		panic("consensus critical: failed to marshal block for hashing: " + err.Error())
	}
	return h
}

// SignBlockHash signs the block's hash with priv, for use in proposal
// transactions carrying the proposer's endorsement.
func SignBlockHash(priv ed25519.PrivateKey, h Hash) Signature {
	return Sign(priv, h[:])
}

// LastVotesHash hashes a block's last_votes list, the seed material
// the proposer draw of spec.md section 4.5 is computed from.
func LastVotesHash(b *Block) Hash {
	if b == nil || len(b.LastVotes) == 0 {
		return HashBytes(nil)
	}
	h, err := HashJSON(b.LastVotes)
	if err != nil {
		panic("consensus critical: failed to marshal last_votes for hashing: " + err.Error())
	}
	return h
}

// CopyValidatorStakes returns an independent copy of a validator
// stake snapshot slice.
func CopyValidatorStakes(vs []ValidatorStake) []ValidatorStake {
	if len(vs) == 0 {
		return nil
	}
	out := make([]ValidatorStake, len(vs))
	for i, v := range vs {
		cp := v
		if v.PublicKey != nil {
			cp.PublicKey = append(PublicKey(nil), v.PublicKey...)
		}
		out[i] = cp
	}
	return out
}

// CopyTransactions returns an independent deep copy of a transaction
// slice.
func CopyTransactions(txs []Transaction) []Transaction {
	if len(txs) == 0 {
		return nil
	}
	out := make([]Transaction, len(txs))
	for i := range txs {
		out[i] = *CopyTransaction(&txs[i])
	}
	return out
}

// CopyBlock returns an independent deep copy of b, mirroring the
// teacher's CopyBlock discipline for values handed to async callbacks
// (block sync, catch-up) that must not observe later mutation.
func CopyBlock(b *Block) *Block {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Validators = CopyValidatorStakes(b.Validators)
	cp.Transactions = CopyTransactions(b.Transactions)
	cp.LastVotes = CopyTransactions(b.LastVotes)
	return &cp
}

// MarshalCanonical returns the canonical wire bytes of the block.
func (b *Block) MarshalCanonical() ([]byte, error) {
	return json.Marshal(b)
}
