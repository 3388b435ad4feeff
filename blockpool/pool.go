package blockpool

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/cshcomcom/ain-blockchain/types"
	"go.uber.org/zap"
)

// VersionRef names the state version bound to one BlockInfo; kept as
// a plain string rather than importing package state, so blockpool
// has no dependency on the version manager's internals -- the
// consensus engine owns translating VersionRef into a state.VersionName.
type VersionRef string

// BlockInfo is the pool's record for one seen block, matching
// spec.md section 3.
type BlockInfo struct {
	Block      *types.Block
	ProposalTx *types.Transaction
	Votes      []*types.Transaction
	Notarized  bool
	Tally      int64
}

var (
	ErrBlockNotFound = errors.New("block not found in pool")
	ErrUnknownVote   = errors.New("vote does not decode to a known payload")
)

const recentBlockCacheSize = 4096

// Pool is the BlockPool of spec.md section 4.4.
type Pool struct {
	mu sync.Mutex

	byHash      map[types.Hash]*BlockInfo
	byNumber    map[int64]map[types.Hash]struct{}
	children    map[types.Hash]map[types.Hash]struct{}
	stateByHash map[types.Hash]VersionRef
	votedEpoch  map[epochVoteKey]types.Hash
	pendingVote map[types.Hash][]*types.Transaction

	longestTips []types.Hash

	cache  *lru.Cache
	logger *zap.Logger
}

type epochVoteKey struct {
	validator types.AccountName
	epoch     int64
}

// NewPool constructs an empty block pool.
func NewPool(logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, _ := lru.New(recentBlockCacheSize)
	return &Pool{
		byHash:      make(map[types.Hash]*BlockInfo),
		byNumber:    make(map[int64]map[types.Hash]struct{}),
		children:    make(map[types.Hash]map[types.Hash]struct{}),
		stateByHash: make(map[types.Hash]VersionRef),
		votedEpoch:  make(map[epochVoteKey]types.Hash),
		pendingVote: make(map[types.Hash][]*types.Transaction),
		cache:       cache,
		logger:      logger,
	}
}

// HasSeenBlock reports whether hash is already indexed.
func (p *Pool) HasSeenBlock(hash types.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cache.Contains(hash) {
		return true
	}
	_, ok := p.byHash[hash]
	return ok
}

// GetBlock returns the BlockInfo for hash, or nil, preferring the
// warm LRU cache: vote and proposal handling both repeatedly look up
// the same recent handful of blocks, so a cache hit skips the map
// entirely on the hot path.
func (p *Pool) GetBlock(hash types.Hash) *BlockInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.cache.Get(hash); ok {
		info, _ := cached.(*BlockInfo)
		return info
	}
	info := p.byHash[hash]
	if info != nil {
		p.cache.Add(hash, info)
	}
	return info
}

// SetStateVersion records the state version bound to a block.
func (p *Pool) SetStateVersion(hash types.Hash, ref VersionRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateByHash[hash] = ref
}

// GetStateVersion returns the state version bound to a block, if any.
func (p *Pool) GetStateVersion(hash types.Hash) (VersionRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.stateByHash[hash]
	return ref, ok
}

// AddSeenBlock inserts block into the pool if it is not already
// known. It is idempotent: a second insertion of the same hash
// returns false. Any votes that arrived before the block (buffered in
// pendingVote) are merged in and notarization is recomputed.
func (p *Pool) AddSeenBlock(block *types.Block, proposalTx *types.Transaction) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byHash[block.Hash]; exists {
		return false
	}

	info := &BlockInfo{Block: block, ProposalTx: proposalTx}
	p.byHash[block.Hash] = info
	p.cache.Add(block.Hash, info)

	if p.byNumber[block.Number] == nil {
		p.byNumber[block.Number] = make(map[types.Hash]struct{})
	}
	p.byNumber[block.Number][block.Hash] = struct{}{}

	if !block.LastHash.IsEmpty() {
		if p.children[block.LastHash] == nil {
			p.children[block.LastHash] = make(map[types.Hash]struct{})
		}
		p.children[block.LastHash][block.Hash] = struct{}{}
	}

	if pending := p.pendingVote[block.Hash]; len(pending) > 0 {
		for _, vote := range pending {
			p.applyVoteLocked(info, vote)
		}
		delete(p.pendingVote, block.Hash)
	}

	p.recomputeTipsLocked()
	return true
}

// AddSeenVote appends a vote to the owning BlockInfo and re-tallies.
// If the block is not yet known, the vote is buffered until
// AddSeenBlock arrives. Returns false (no error) if the vote is
// discarded as a duplicate or as a second vote at the same epoch from
// the same validator -- matching spec.md section 8's one-vote rule.
func (p *Pool) AddSeenVote(voteTx *types.Transaction) (bool, error) {
	payload, err := types.DecodeVote(voteTx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnknownVote, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	info, ok := p.byHash[payload.BlockHash]
	if !ok {
		p.pendingVote[payload.BlockHash] = append(p.pendingVote[payload.BlockHash], voteTx)
		return false, nil
	}
	return p.applyVoteLocked(info, voteTx), nil
}

func (p *Pool) applyVoteLocked(info *BlockInfo, voteTx *types.Transaction) bool {
	payload, err := types.DecodeVote(voteTx)
	if err != nil {
		return false
	}
	epoch := info.Block.Epoch
	key := epochVoteKey{validator: voteTx.Address, epoch: epoch}

	if existing, voted := p.votedEpoch[key]; voted {
		// Either a duplicate of the same vote, or a second
		// (conflicting) vote at this epoch: both are discarded here.
		// Equivocation evidence is the caller's concern (see package
		// evidence), not the pool's.
		_ = existing
		return false
	}

	info.Votes = append(info.Votes, voteTx)
	info.Tally += payload.Stake
	p.votedEpoch[key] = info.Block.Hash

	required := twoThirds(totalStake(info.Block.Validators))
	if !info.Notarized && info.Tally > required {
		info.Notarized = true
		p.recomputeTipsLocked()
	}
	return true
}

func totalStake(vs []types.ValidatorStake) int64 {
	var total int64
	for _, v := range vs {
		total += v.Stake
	}
	return total
}

func twoThirds(total int64) int64 {
	return (total * 2) / 3
}

// LongestNotarizedTips returns the hashes of the tips of the longest
// notarized chain(s); more than one hash means an unresolved fork of
// equal depth.
func (p *Pool) LongestNotarizedTips() []types.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Hash, len(p.longestTips))
	copy(out, p.longestTips)
	return out
}

func (p *Pool) recomputeTipsLocked() {
	var candidates []types.Hash
	for hash, info := range p.byHash {
		if !info.Notarized {
			continue
		}
		hasNotarizedChild := false
		for child := range p.children[hash] {
			if childInfo, ok := p.byHash[child]; ok && childInfo.Notarized {
				hasNotarizedChild = true
				break
			}
		}
		if !hasNotarizedChild {
			candidates = append(candidates, hash)
		}
	}

	best := int64(-1)
	var tips []types.Hash
	for _, hash := range candidates {
		depth := p.notarizedChainLengthLocked(hash)
		switch {
		case depth > best:
			best = depth
			tips = []types.Hash{hash}
		case depth == best:
			tips = append(tips, hash)
		}
	}
	p.longestTips = tips
}

func (p *Pool) notarizedChainLengthLocked(hash types.Hash) int64 {
	info, ok := p.byHash[hash]
	if !ok || !info.Notarized {
		return 0
	}
	var length int64 = 1
	for {
		parentHash := info.Block.LastHash
		parent, ok := p.byHash[parentHash]
		if !ok || !parent.Notarized {
			break
		}
		length++
		info = parent
	}
	return length
}

// ExtendingChain returns the ordered chain of hashes (root-first) from
// the deepest known ancestor of tipHash up to and including tipHash.
func (p *Pool) ExtendingChain(tipHash types.Hash) []types.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()

	var chain []types.Hash
	hash := tipHash
	for {
		info, ok := p.byHash[hash]
		if !ok {
			break
		}
		chain = append(chain, hash)
		if info.Block.LastHash.IsEmpty() {
			break
		}
		hash = info.Block.LastHash
	}
	// reverse into root-first order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// FinalizableChain returns the three-block notarized suffix [A, B, C]
// with strictly consecutive epochs, or nil if no such suffix exists
// among the current longest-notarized tips. Matches spec.md section
// 4.4/4.6 (three-chain rule).
func (p *Pool) FinalizableChain() []*BlockInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, tip := range p.longestTips {
		c, ok := p.byHash[tip]
		if !ok || !c.Notarized {
			continue
		}
		b, ok := p.byHash[c.Block.LastHash]
		if !ok || !b.Notarized {
			continue
		}
		a, ok := p.byHash[b.Block.LastHash]
		if !ok || !a.Notarized {
			continue
		}
		if b.Block.Epoch != a.Block.Epoch+1 {
			continue
		}
		if c.Block.Epoch != b.Block.Epoch+1 {
			continue
		}
		return []*BlockInfo{a, b, c}
	}
	return nil
}

// CleanUpAfterFinalization drops every block at number <= block's
// number except block itself, along with their indices. It returns
// the state-version refs that were dropped so the caller can release
// them via the version manager -- blockpool owns naming, not
// lifecycle.
func (p *Pool) CleanUpAfterFinalization(block *types.Block) []VersionRef {
	p.mu.Lock()
	defer p.mu.Unlock()

	var dropped []VersionRef
	for number, hashes := range p.byNumber {
		if number > block.Number {
			continue
		}
		for hash := range hashes {
			if hash.Equal(block.Hash) {
				continue
			}
			if ref, ok := p.stateByHash[hash]; ok {
				dropped = append(dropped, ref)
			}
			delete(p.byHash, hash)
			delete(p.stateByHash, hash)
			delete(p.children, hash)
			p.cache.Remove(hash)
		}
		if number == block.Number {
			p.byNumber[number] = map[types.Hash]struct{}{block.Hash: {}}
		} else {
			delete(p.byNumber, number)
		}
	}
	return dropped
}
