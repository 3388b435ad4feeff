package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cshcomcom/ain-blockchain/types"
	"go.uber.org/zap"
)

// MaxSegmentLength is the maximum number of blocks returned in one
// CHAIN_SEGMENT_RESPONSE, matching spec.md section 4.7.
const MaxSegmentLength = 20

var (
	ErrOutOfOrderAppend  = errors.New("block does not extend the current head")
	ErrEmptySegment      = errors.New("empty chain segment")
	ErrSegmentDiscontinuous = errors.New("chain segment is not contiguous")
	ErrSegmentHashMismatch  = errors.New("chain segment hash mismatch")
)

// Chain is the Blockchain of spec.md section 4.4 -- matches the
// teacher's BlockStore interface shape (engine/blocksync.go) closely
// enough to be used directly by the catch-up path.
type Chain struct {
	mu     sync.RWMutex
	blocks []*types.Block // index i holds block number i
	logger *zap.Logger
}

// NewChain starts a chain from a genesis block.
func NewChain(genesis *types.Block, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{blocks: []*types.Block{genesis}, logger: logger}
}

// Append adds block to the tail of the chain. block.Number must be
// exactly Head().Number + 1 and block.LastHash must equal Head().Hash.
func (c *Chain) Append(block *types.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	head := c.blocks[len(c.blocks)-1]
	if block.Number != head.Number+1 || !block.LastHash.Equal(head.Hash) {
		return fmt.Errorf("%w: head=%d/%s got number=%d lastHash=%s",
			ErrOutOfOrderAppend, head.Number, head.Hash, block.Number, block.LastHash)
	}
	c.blocks = append(c.blocks, block)
	c.logger.Debug("appended finalized block", zap.Int64("number", block.Number), zap.String("hash", block.Hash.String()))
	return nil
}

// Head returns the most recently appended (finalized) block.
func (c *Chain) Head() *types.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1]
}

// ByNumber returns the finalized block at number, or nil.
func (c *Chain) ByNumber(number int64) *types.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if number < 0 || number >= int64(len(c.blocks)) {
		return nil
	}
	return c.blocks[number]
}

// ChainSegment returns up to MaxSegmentLength consecutive blocks
// starting right after fromNumber, matching spec.md section 4.7.
func (c *Chain) ChainSegment(fromNumber int64) []*types.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start := fromNumber + 1
	if start < 0 || start >= int64(len(c.blocks)) {
		return nil
	}
	end := start + MaxSegmentLength
	if end > int64(len(c.blocks)) {
		end = int64(len(c.blocks))
	}
	out := make([]*types.Block, 0, end-start)
	for n := start; n < end; n++ {
		out = append(out, c.blocks[n])
	}
	return out
}

// ValidateSegment checks that segment is contiguous, extends the
// current head and that every block's internal hash is self-
// consistent, matching spec.md section 4.7's requester-side checks.
func (c *Chain) ValidateSegment(segment []*types.Block) error {
	if len(segment) == 0 {
		return ErrEmptySegment
	}
	c.mu.RLock()
	head := c.blocks[len(c.blocks)-1]
	c.mu.RUnlock()

	prev := head
	for _, b := range segment {
		if b.Number != prev.Number+1 || !b.LastHash.Equal(prev.Hash) {
			return fmt.Errorf("%w: at number %d", ErrSegmentDiscontinuous, b.Number)
		}
		if !types.BlockHash(b).Equal(b.Hash) {
			return fmt.Errorf("%w: at number %d", ErrSegmentHashMismatch, b.Number)
		}
		prev = b
	}
	return nil
}
