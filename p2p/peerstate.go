package p2p

import (
	"sync"
	"time"

	"github.com/cshcomcom/ain-blockchain/types"
)

// PeerEpochState tracks one peer's consensus progress, generalized
// from the teacher's engine/peer_state.go PeerRoundState (height +
// round + step) to spec.md's epoch-tick model: a peer has an epoch
// and, within it, whether it has seen the proposal and which
// validators it has reported votes from.
type PeerEpochState struct {
	Epoch       int64
	ProposalHash types.Hash
	HasProposal bool
	VotedBy     map[types.AccountName]bool
	CatchingUp  bool
}

// PeerState tracks the address, handshake status, and consensus
// progress of a single connected peer.
type PeerState struct {
	mu sync.RWMutex

	peerID    string
	address   types.AccountName
	handshook bool
	prs       PeerEpochState
	lastSeen  time.Time
}

// NewPeerState creates a new PeerState for tracking a peer, not yet
// handshaken.
func NewPeerState(peerID string) *PeerState {
	return &PeerState{
		peerID:   peerID,
		lastSeen: time.Now(),
		prs:      PeerEpochState{VotedBy: make(map[types.AccountName]bool)},
	}
}

func (ps *PeerState) PeerID() string { return ps.peerID }

// CompleteHandshake records the peer's verified address.
func (ps *PeerState) CompleteHandshake(addr types.AccountName) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.address = addr
	ps.handshook = true
	ps.lastSeen = time.Now()
}

// Handshaken reports whether this peer has completed a signed
// handshake.
func (ps *PeerState) Handshaken() bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.handshook
}

// Address returns the peer's handshaken address, or "" if none yet.
func (ps *PeerState) Address() types.AccountName {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.address
}

// GetEpochState returns a copy of the peer's epoch state.
func (ps *PeerState) GetEpochState() PeerEpochState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	prs := ps.prs
	prs.VotedBy = make(map[types.AccountName]bool, len(ps.prs.VotedBy))
	for k, v := range ps.prs.VotedBy {
		prs.VotedBy[k] = v
	}
	return prs
}

// SetHasProposal marks that the peer has reported the proposal for
// the given epoch, resetting vote tracking if the epoch advanced.
func (ps *PeerState) SetHasProposal(epoch int64, blockHash types.Hash) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.advanceEpochLocked(epoch)
	ps.prs.HasProposal = true
	ps.prs.ProposalHash = blockHash
	ps.lastSeen = time.Now()
}

// SetHasVote marks that the peer has reported a vote from validator
// at the given epoch.
func (ps *PeerState) SetHasVote(epoch int64, validator types.AccountName) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.advanceEpochLocked(epoch)
	if epoch == ps.prs.Epoch {
		ps.prs.VotedBy[validator] = true
	}
	ps.lastSeen = time.Now()
}

func (ps *PeerState) advanceEpochLocked(epoch int64) {
	if epoch > ps.prs.Epoch {
		ps.prs = PeerEpochState{Epoch: epoch, VotedBy: make(map[types.AccountName]bool)}
	}
}

// SetCatchingUp marks whether the peer is known to be behind.
func (ps *PeerState) SetCatchingUp(catching bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.prs.CatchingUp = catching
}

// IsCatchingUp reports whether the peer is known to be behind.
func (ps *PeerState) IsCatchingUp() bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.prs.CatchingUp
}

// LastSeen returns when data was last received from this peer.
func (ps *PeerState) LastSeen() time.Time {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.lastSeen
}

// PeerSet manages the set of connected peers.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[string]*PeerState
}

// NewPeerSet creates an empty PeerSet.
func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[string]*PeerState)}
}

// AddPeer begins tracking a new peer, or returns the existing
// PeerState if peerID is already known.
func (ps *PeerSet) AddPeer(peerID string) *PeerState {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if existing, ok := ps.peers[peerID]; ok {
		return existing
	}
	p := NewPeerState(peerID)
	ps.peers[peerID] = p
	return p
}

// RemovePeer stops tracking a peer.
func (ps *PeerSet) RemovePeer(peerID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.peers, peerID)
}

// GetPeer returns a peer's state, or nil.
func (ps *PeerSet) GetPeer(peerID string) *PeerState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.peers[peerID]
}

// Size returns the number of tracked peers.
func (ps *PeerSet) Size() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// AllPeers returns every tracked peer.
func (ps *PeerSet) AllPeers() []*PeerState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]*PeerState, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, p)
	}
	return out
}

// HandshakenPeers returns every peer that has completed its
// handshake -- the only peers eligible for outbound broadcast.
func (ps *PeerSet) HandshakenPeers() []*PeerState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]*PeerState, 0, len(ps.peers))
	for _, p := range ps.peers {
		if p.Handshaken() {
			out = append(out, p)
		}
	}
	return out
}
