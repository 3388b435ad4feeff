package evidence

import (
	"crypto/ed25519"
	"testing"

	"github.com/cshcomcom/ain-blockchain/types"
)

func TestCheckVoteDetectsEquivocation(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr, err := types.AddressFromPublicKey(types.PublicKey(pub))
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	valSet, err := types.NewValidatorSet([]types.ValidatorStake{{Address: addr, PublicKey: types.PublicKey(pub), Stake: 1000}})
	if err != nil {
		t.Fatalf("NewValidatorSet: %v", err)
	}

	pool := NewPool(DefaultConfig())
	voteA, _ := types.NewVoteTx(1, types.HashBytes([]byte("block-a")), 1000, 1, priv)
	voteB, _ := types.NewVoteTx(1, types.HashBytes([]byte("block-b")), 1000, 2, priv)

	if ev, err := pool.CheckVote(voteA, 5, valSet); err != nil || ev != nil {
		t.Fatalf("first vote should not produce evidence, got ev=%v err=%v", ev, err)
	}
	ev, err := pool.CheckVote(voteB, 5, valSet)
	if err != nil {
		t.Fatalf("CheckVote: %v", err)
	}
	if ev == nil {
		t.Fatal("expected equivocation evidence for a second vote at the same epoch for a different block")
	}
}

func TestCheckVoteAllowsRepeatOfSameVote(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	addr, _ := types.AddressFromPublicKey(types.PublicKey(pub))
	valSet, _ := types.NewValidatorSet([]types.ValidatorStake{{Address: addr, PublicKey: types.PublicKey(pub), Stake: 1000}})

	pool := NewPool(DefaultConfig())
	blockHash := types.HashBytes([]byte("block-a"))
	vote, _ := types.NewVoteTx(1, blockHash, 1000, 1, priv)

	pool.CheckVote(vote, 5, valSet)
	ev, err := pool.CheckVote(vote, 5, valSet)
	if err != nil {
		t.Fatalf("CheckVote: %v", err)
	}
	if ev != nil {
		t.Fatal("expected no evidence when the same vote is seen twice")
	}
}
