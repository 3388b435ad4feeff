package types

import (
	"crypto/ed25519"
	"testing"
)

func mustKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func TestNewTransactionRoundTrip(t *testing.T) {
	priv := mustKey(t)
	body := TxBody{
		Operation: Operation{Type: OpSetValue, Path: "/values/foo", Value: []byte(`"bar"`)},
		Nonce:     0,
		Timestamp: 1000,
	}
	tx, err := NewTransaction(body, priv)
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}

	pub := priv.Public().(ed25519.PublicKey)
	if err := VerifyTransaction(tx, PublicKey(pub)); err != nil {
		t.Fatalf("VerifyTransaction: %v", err)
	}
}

func TestVerifyTransactionRejectsTamperedBody(t *testing.T) {
	priv := mustKey(t)
	body := TxBody{
		Operation: Operation{Type: OpSetValue, Path: "/values/foo", Value: []byte(`"bar"`)},
		Nonce:     0,
		Timestamp: 1000,
	}
	tx, err := NewTransaction(body, priv)
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}

	tx.Body.Nonce = 99
	pub := priv.Public().(ed25519.PublicKey)
	if err := VerifyTransaction(tx, PublicKey(pub)); err == nil {
		t.Fatal("expected signature verification to fail on tampered body")
	}
}

func TestVoteRoundTrip(t *testing.T) {
	priv := mustKey(t)
	blockHash := HashBytes([]byte("block-1"))
	tx, err := NewVoteTx(1, blockHash, 1000, 2000, priv)
	if err != nil {
		t.Fatalf("NewVoteTx: %v", err)
	}

	payload, err := DecodeVote(tx)
	if err != nil {
		t.Fatalf("DecodeVote: %v", err)
	}
	if payload.Stake != 1000 {
		t.Fatalf("expected stake 1000, got %d", payload.Stake)
	}
	if !payload.BlockHash.Equal(blockHash) {
		t.Fatalf("block hash mismatch")
	}
}

func TestProposalRoundTrip(t *testing.T) {
	priv := mustKey(t)
	block := NewGenesisBlock(nil)
	tx, err := NewProposalTx(block, 2000, priv)
	if err != nil {
		t.Fatalf("NewProposalTx: %v", err)
	}

	payload, err := DecodeProposal(tx)
	if err != nil {
		t.Fatalf("DecodeProposal: %v", err)
	}
	if !payload.BlockHash.Equal(block.Hash) {
		t.Fatalf("proposal block hash mismatch")
	}
}
