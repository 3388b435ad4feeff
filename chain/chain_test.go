package chain

import (
	"testing"

	"github.com/cshcomcom/ain-blockchain/types"
)

func mkBlock(number int64, lastHash types.Hash) *types.Block {
	b := &types.Block{Number: number, Epoch: number, LastHash: lastHash}
	b.Hash = types.BlockHash(b)
	return b
}

func TestAppendRejectsOutOfOrder(t *testing.T) {
	genesis := types.NewGenesisBlock(nil)
	c := NewChain(genesis, nil)

	bad := mkBlock(5, genesis.Hash)
	if err := c.Append(bad); err == nil {
		t.Fatal("expected error appending a non-contiguous block")
	}
}

func TestChainSegmentBounded(t *testing.T) {
	genesis := types.NewGenesisBlock(nil)
	c := NewChain(genesis, nil)

	prevHash := genesis.Hash
	for i := int64(1); i <= 25; i++ {
		b := mkBlock(i, prevHash)
		if err := c.Append(b); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
		prevHash = b.Hash
	}

	segment := c.ChainSegment(0)
	if len(segment) != MaxSegmentLength {
		t.Fatalf("expected %d blocks, got %d", MaxSegmentLength, len(segment))
	}
	if segment[0].Number != 1 {
		t.Fatalf("expected segment to start at number 1, got %d", segment[0].Number)
	}
}

func TestValidateSegmentDetectsDiscontinuity(t *testing.T) {
	genesis := types.NewGenesisBlock(nil)
	c := NewChain(genesis, nil)

	b1 := mkBlock(1, genesis.Hash)
	b3 := mkBlock(3, b1.Hash) // skips number 2

	if err := c.ValidateSegment([]*types.Block{b1, b3}); err == nil {
		t.Fatal("expected discontinuity error")
	}
}
