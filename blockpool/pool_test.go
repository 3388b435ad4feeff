package blockpool

import (
	"crypto/ed25519"
	"testing"

	"github.com/cshcomcom/ain-blockchain/types"
)

func mkValidators(t *testing.T, n int) ([]types.ValidatorStake, []ed25519.PrivateKey) {
	t.Helper()
	var vs []types.ValidatorStake
	var privs []ed25519.PrivateKey
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		addr, err := types.AddressFromPublicKey(types.PublicKey(pub))
		if err != nil {
			t.Fatalf("address: %v", err)
		}
		vs = append(vs, types.ValidatorStake{Address: addr, PublicKey: types.PublicKey(pub), Stake: 100000})
		privs = append(privs, priv)
	}
	return vs, privs
}

func mkBlock(number, epoch int64, lastHash types.Hash, validators []types.ValidatorStake) *types.Block {
	b := &types.Block{Number: number, Epoch: epoch, LastHash: lastHash, Validators: validators}
	b.Hash = types.BlockHash(b)
	return b
}

func TestAddSeenBlockIdempotent(t *testing.T) {
	vs, _ := mkValidators(t, 3)
	p := NewPool(nil)
	block := mkBlock(1, 1, types.Hash{}, vs)

	if ok := p.AddSeenBlock(block, nil); !ok {
		t.Fatal("expected first AddSeenBlock to succeed")
	}
	if ok := p.AddSeenBlock(block, nil); ok {
		t.Fatal("expected second AddSeenBlock of the same hash to be a no-op")
	}
}

func TestNotarizationCrossesTwoThirds(t *testing.T) {
	vs, privs := mkValidators(t, 3)
	p := NewPool(nil)
	block := mkBlock(1, 1, types.Hash{}, vs)
	p.AddSeenBlock(block, nil)

	for i := 0; i < 3; i++ {
		voteTx, err := types.NewVoteTx(block.Number, block.Hash, vs[i].Stake, int64(i), privs[i])
		if err != nil {
			t.Fatalf("NewVoteTx: %v", err)
		}
		if _, err := p.AddSeenVote(voteTx); err != nil {
			t.Fatalf("AddSeenVote: %v", err)
		}
	}

	info := p.GetBlock(block.Hash)
	if !info.Notarized {
		t.Fatalf("expected block notarized once votes exceed 2/3 of stake, tally=%d", info.Tally)
	}
}

func TestOneVotePerEpochDiscardsSecond(t *testing.T) {
	vs, privs := mkValidators(t, 3)
	p := NewPool(nil)
	blockA := mkBlock(1, 1, types.Hash{}, vs)
	blockB := mkBlock(1, 1, types.HashBytes([]byte("other-parent")), vs)
	p.AddSeenBlock(blockA, nil)
	p.AddSeenBlock(blockB, nil)

	vote1, _ := types.NewVoteTx(1, blockA.Hash, vs[0].Stake, 1, privs[0])
	vote2, _ := types.NewVoteTx(1, blockB.Hash, vs[0].Stake, 2, privs[0])

	ok1, _ := p.AddSeenVote(vote1)
	ok2, _ := p.AddSeenVote(vote2)
	if !ok1 {
		t.Fatal("expected first vote to be admitted")
	}
	if ok2 {
		t.Fatal("expected second vote at the same epoch from the same validator to be discarded")
	}
}

func TestFinalizableChainRequiresThreeConsecutiveEpochs(t *testing.T) {
	vs, privs := mkValidators(t, 3)
	p := NewPool(nil)

	var prevHash types.Hash
	var blocks []*types.Block
	for epoch := int64(1); epoch <= 3; epoch++ {
		b := mkBlock(epoch, epoch, prevHash, vs)
		p.AddSeenBlock(b, nil)
		for i := 0; i < 3; i++ {
			vote, _ := types.NewVoteTx(b.Number, b.Hash, vs[i].Stake, epoch*10+int64(i), privs[i])
			p.AddSeenVote(vote)
		}
		blocks = append(blocks, b)
		prevHash = b.Hash
	}

	chain := p.FinalizableChain()
	if chain == nil {
		t.Fatal("expected a finalizable three-chain suffix")
	}
	if len(chain) != 3 {
		t.Fatalf("expected suffix of length 3, got %d", len(chain))
	}
	if chain[2].Block.Hash != blocks[2].Hash {
		t.Fatalf("expected tip of suffix to be the third block")
	}
}
