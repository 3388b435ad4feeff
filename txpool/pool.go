package txpool

import (
	"sort"
	"sync"

	"github.com/cshcomcom/ain-blockchain/types"
	"go.uber.org/zap"
)

// Decision is the outcome of Pool.Admit, matching spec.md section 4.3.
type Decision int

const (
	Admitted Decision = iota
	Duplicate
	PoolFull
	PerAccountFull
	NotEligible
)

func (d Decision) String() string {
	switch d {
	case Admitted:
		return "OK"
	case Duplicate:
		return "DUPLICATE"
	case PoolFull:
		return "POOL_FULL"
	case PerAccountFull:
		return "PER_ACCOUNT_FULL"
	case NotEligible:
		return "NOT_ELIGIBLE"
	default:
		return "UNKNOWN"
	}
}

// Config bounds pool capacity.
type Config struct {
	MaxPoolSize    int
	MaxPerAccount  int
}

// DefaultConfig mirrors the teacher's habit of shipping a sane
// DefaultConfig alongside every configurable component.
func DefaultConfig() Config {
	return Config{MaxPoolSize: 100000, MaxPerAccount: 1000}
}

// Pool is the TransactionPool of spec.md section 4.3: per-account
// ordered queues plus a global dedup set, with no knowledge of
// consensus.
type Pool struct {
	mu      sync.Mutex
	config  Config
	byAddr  map[types.AccountName][]*types.Transaction
	seen    map[types.Hash]struct{}
	logger  *zap.Logger
}

// NewPool constructs an empty pool.
func NewPool(config Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		config: config,
		byAddr: make(map[types.AccountName][]*types.Transaction),
		seen:   make(map[types.Hash]struct{}),
		logger: logger,
	}
}

// Size returns the total number of pending transactions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

// Admit inserts tx if it is admissible, returning the decision made.
func (p *Pool) Admit(tx *types.Transaction) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.seen[tx.Hash]; dup {
		return Duplicate
	}
	if len(p.seen) >= p.config.MaxPoolSize {
		return PoolFull
	}
	queue := p.byAddr[tx.Address]
	if len(queue) >= p.config.MaxPerAccount {
		return PerAccountFull
	}
	if tx.Body.Nonce != types.UnorderedNonce {
		for _, existing := range queue {
			if existing.Body.Nonce == tx.Body.Nonce {
				return NotEligible
			}
		}
	}

	queue = append(queue, tx)
	sort.Slice(queue, func(i, j int) bool {
		a, b := queue[i], queue[j]
		if a.Body.Nonce != b.Body.Nonce {
			return a.Body.Nonce < b.Body.Nonce
		}
		return a.Body.Timestamp < b.Body.Timestamp
	})
	p.byAddr[tx.Address] = queue
	p.seen[tx.Hash] = struct{}{}
	return Admitted
}

// NonceLookup resolves an account's last-applied nonce against the
// state version the caller is building against.
type NonceLookup func(addr types.AccountName) (int64, error)

// Included reports whether a transaction hash is already present in
// the chain context the caller is ordering against.
type Included func(hash types.Hash) bool

// ValidTransactions returns every transaction eligible to appear in
// the next block, ordered by (nonce ascending per account, timestamp
// ascending), matching spec.md section 4.3. An ordered transaction is
// eligible only if its nonce is exactly the next gap-free nonce for
// its account; an unordered transaction (nonce == UnorderedNonce) is
// eligible unless already included in chainContext.
func (p *Pool) ValidTransactions(getNonce NonceLookup, included Included) ([]*types.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var eligible []*types.Transaction
	for addr, queue := range p.byAddr {
		baseNonce, err := getNonce(addr)
		if err != nil {
			return nil, err
		}
		expected := baseNonce + 1
		for _, tx := range queue {
			if tx.Body.Nonce == types.UnorderedNonce {
				if !included(tx.Hash) {
					eligible = append(eligible, tx)
				}
				continue
			}
			if tx.Body.Nonce != expected {
				// Gap: no transaction after this point in the
				// per-account queue can be eligible this round.
				break
			}
			if included(tx.Hash) {
				expected++
				continue
			}
			eligible = append(eligible, tx)
			expected++
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Body.Timestamp != eligible[j].Body.Timestamp {
			return eligible[i].Body.Timestamp < eligible[j].Body.Timestamp
		}
		return eligible[i].Body.Nonce < eligible[j].Body.Nonce
	})
	slots := make(map[types.AccountName][]int)
	for i, tx := range eligible {
		if tx.Body.Nonce != types.UnorderedNonce {
			slots[tx.Address] = append(slots[tx.Address], i)
		}
	}
	for _, idx := range slots {
		txs := make([]*types.Transaction, len(idx))
		for k, i := range idx {
			txs[k] = eligible[i]
		}
		sort.SliceStable(txs, func(a, b int) bool { return txs[a].Body.Nonce < txs[b].Body.Nonce })
		for k, i := range idx {
			eligible[i] = txs[k]
		}
	}
	return eligible, nil
}

// RemoveInvalid drops the given transactions from the pool entirely.
func (p *Pool) RemoveInvalid(txs []*types.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tx := range txs {
		p.removeLocked(tx)
	}
}

// CleanUpForNewBlock removes every transaction included in block from
// the pool, matching spec.md section 4.6 step 4.
func (p *Pool) CleanUpForNewBlock(block *types.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range block.Transactions {
		p.removeLocked(&block.Transactions[i])
	}
}

func (p *Pool) removeLocked(tx *types.Transaction) {
	if _, ok := p.seen[tx.Hash]; !ok {
		return
	}
	delete(p.seen, tx.Hash)
	queue := p.byAddr[tx.Address]
	for i, existing := range queue {
		if existing.Hash.Equal(tx.Hash) {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(p.byAddr, tx.Address)
	} else {
		p.byAddr[tx.Address] = queue
	}
}

// Has reports whether a transaction hash is currently pending.
func (p *Pool) Has(hash types.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen[hash]
	return ok
}
