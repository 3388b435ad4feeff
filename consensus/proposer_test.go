package consensus

import (
	"testing"

	"github.com/cshcomcom/ain-blockchain/types"
)

func TestSelectProposerIsDeterministic(t *testing.T) {
	vs, err := types.NewValidatorSet([]types.ValidatorStake{
		{Address: "a0", Stake: 100000},
		{Address: "b0", Stake: 100000},
		{Address: "c0", Stake: 100000},
	})
	if err != nil {
		t.Fatalf("NewValidatorSet: %v", err)
	}
	seedHash := types.HashBytes([]byte("last-votes"))

	first, err := SelectProposer(seedHash, 7, vs)
	if err != nil {
		t.Fatalf("SelectProposer: %v", err)
	}
	second, err := SelectProposer(seedHash, 7, vs)
	if err != nil {
		t.Fatalf("SelectProposer: %v", err)
	}
	if first != second {
		t.Fatalf("expected deterministic proposer selection, got %s then %s", first, second)
	}
}

func TestSelectProposerVariesByEpoch(t *testing.T) {
	vs, _ := types.NewValidatorSet([]types.ValidatorStake{
		{Address: "a0", Stake: 100000},
		{Address: "b0", Stake: 100000},
		{Address: "c0", Stake: 100000},
		{Address: "d0", Stake: 100000},
		{Address: "e0", Stake: 100000},
	})
	seedHash := types.HashBytes([]byte("last-votes"))

	seen := make(map[types.AccountName]bool)
	for epoch := int64(1); epoch <= 20; epoch++ {
		proposer, err := SelectProposer(seedHash, epoch, vs)
		if err != nil {
			t.Fatalf("SelectProposer: %v", err)
		}
		seen[proposer] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected the proposer draw to vary across epochs, saw only %d distinct proposers", len(seen))
	}
}

func TestSelectProposerRejectsEmptySet(t *testing.T) {
	if _, err := SelectProposer(types.Hash{}, 1, nil); err == nil {
		t.Fatal("expected error selecting a proposer from a nil validator set")
	}
}
