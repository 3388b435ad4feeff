package evidence

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cshcomcom/ain-blockchain/types"
)

var (
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrEvidenceExpired    = errors.New("evidence expired")
	ErrInvalidEvidence    = errors.New("invalid evidence")
)

// MaxSeenVotes limits memory usage for equivocation detection, as in
// the teacher's evidence/pool.go.
const MaxSeenVotes = 100000

// Config holds evidence pool configuration, unchanged in shape from
// the teacher's evidence.Config.
type Config struct {
	MaxAge       time.Duration
	MaxAgeBlocks int64
	MaxBytes     int64
}

func DefaultConfig() Config {
	return Config{MaxAge: 48 * time.Hour, MaxAgeBlocks: 100000, MaxBytes: 1048576}
}

// DuplicateVoteEvidence proves that a validator signed two different
// votes at the same epoch.
type DuplicateVoteEvidence struct {
	VoteA            *types.Transaction
	VoteB            *types.Transaction
	ValidatorPower   int64
	TotalVotingPower int64
	Timestamp        int64
}

// Pool manages Byzantine evidence, structurally unchanged from the
// teacher's evidence.Pool.
type Pool struct {
	mu     sync.Mutex
	config Config

	pending   []*DuplicateVoteEvidence
	committed map[string]struct{}
	seenVotes map[string]*types.Transaction

	currentHeight int64
	currentTime   time.Time
}

func NewPool(config Config) *Pool {
	return &Pool{
		config:    config,
		committed: make(map[string]struct{}),
		seenVotes: make(map[string]*types.Transaction),
	}
}

// Update advances the pool's knowledge of current height and time,
// pruning expired pending evidence. Seen votes are not pruned here.
func (p *Pool) Update(height int64, blockTime time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentHeight = height
	p.currentTime = blockTime
	p.pruneExpired()
}

// CheckVote checks voteTx for equivocation against every vote
// previously seen from the same validator at the same epoch, and
// returns evidence if one is found.
func (p *Pool) CheckVote(voteTx *types.Transaction, epoch int64, valSet *types.ValidatorSet) (*DuplicateVoteEvidence, error) {
	payload, err := types.DecodeVote(voteTx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := voteKey(voteTx.Address, epoch)
	if existing, ok := p.seenVotes[key]; ok {
		existingPayload, err := types.DecodeVote(existing)
		if err == nil && !existingPayload.BlockHash.Equal(payload.BlockHash) {
			ev := &DuplicateVoteEvidence{
				VoteA:            existing,
				VoteB:            voteTx,
				TotalVotingPower: valSet.TotalStake,
				Timestamp:        time.Now().UnixNano(),
			}
			if val := valSet.GetByName(voteTx.Address); val != nil {
				ev.ValidatorPower = val.Stake
			}
			return ev, nil
		}
		return nil, nil
	}

	if len(p.seenVotes) >= MaxSeenVotes {
		p.pruneOldestVotesLocked(MaxSeenVotes / 10)
	}
	p.seenVotes[key] = voteTx
	return nil, nil
}

// AddEvidence adds verified evidence to the pending set.
func (p *Pool) AddEvidence(ev *DuplicateVoteEvidence) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := evidenceKey(ev)
	if _, ok := p.committed[key]; ok {
		return ErrDuplicateEvidence
	}
	for _, pending := range p.pending {
		if evidenceKey(pending) == key {
			return ErrDuplicateEvidence
		}
	}
	p.pending = append(p.pending, ev)
	return nil
}

// PendingEvidence returns evidence pending inclusion, up to maxBytes.
func (p *Pool) PendingEvidence(maxBytes int64) []*DuplicateVoteEvidence {
	p.mu.Lock()
	defer p.mu.Unlock()
	if maxBytes <= 0 {
		maxBytes = p.config.MaxBytes
	}
	var out []*DuplicateVoteEvidence
	var size int64
	for _, ev := range p.pending {
		const approxOverhead = 256
		if size+approxOverhead > maxBytes {
			break
		}
		out = append(out, ev)
		size += approxOverhead
	}
	return out
}

// MarkCommitted moves evidence from pending to committed.
func (p *Pool) MarkCommitted(evs []*DuplicateVoteEvidence) {
	p.mu.Lock()
	defer p.mu.Unlock()
	remove := make(map[string]struct{}, len(evs))
	for _, ev := range evs {
		key := evidenceKey(ev)
		p.committed[key] = struct{}{}
		remove[key] = struct{}{}
	}
	var remaining []*DuplicateVoteEvidence
	for _, ev := range p.pending {
		if _, gone := remove[evidenceKey(ev)]; !gone {
			remaining = append(remaining, ev)
		}
	}
	p.pending = remaining
}

// Size returns the number of pending evidence items.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) pruneExpired() {
	var valid []*DuplicateVoteEvidence
	for _, ev := range p.pending {
		if !p.isExpiredLocked(ev) {
			valid = append(valid, ev)
		}
	}
	p.pending = valid
}

func (p *Pool) isExpiredLocked(ev *DuplicateVoteEvidence) bool {
	evTime := time.Unix(0, ev.Timestamp)
	return p.currentTime.Sub(evTime) > p.config.MaxAge
}

func (p *Pool) pruneOldestVotesLocked(n int) {
	if n <= 0 || len(p.seenVotes) == 0 {
		return
	}
	removed := 0
	for key := range p.seenVotes {
		if removed >= n {
			break
		}
		delete(p.seenVotes, key)
		removed++
	}
}

func voteKey(addr types.AccountName, epoch int64) string {
	return fmt.Sprintf("%s/%d", addr, epoch)
}

func evidenceKey(ev *DuplicateVoteEvidence) string {
	h := sha256.New()
	h.Write(ev.VoteA.Hash[:])
	h.Write(ev.VoteB.Hash[:])
	return fmt.Sprintf("%x", h.Sum(nil))
}
