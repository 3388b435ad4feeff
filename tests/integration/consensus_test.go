// Package integration drives several in-process ConsensusEngine
// instances against each other, wired by an in-memory stand-in for the
// p2p dispatcher, exercising the same collaborator shapes a real
// ain-node process wires together.
package integration

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cshcomcom/ain-blockchain/blockpool"
	"github.com/cshcomcom/ain-blockchain/chain"
	"github.com/cshcomcom/ain-blockchain/consensus"
	"github.com/cshcomcom/ain-blockchain/evidence"
	"github.com/cshcomcom/ain-blockchain/privval"
	"github.com/cshcomcom/ain-blockchain/state"
	"github.com/cshcomcom/ain-blockchain/txpool"
	"github.com/cshcomcom/ain-blockchain/types"
	"github.com/cshcomcom/ain-blockchain/wal"
)

// testNode bundles one validator's independently-owned collaborators.
// Each node owns its own state.Manager, chain.Chain and blockpool.Pool
// -- exactly as separate processes would -- and only ever talks to its
// peers through relayBroadcaster, standing in for a p2p.Dispatcher.
type testNode struct {
	name       string
	signer     *privval.FilePV
	engine     *consensus.Engine
	chainStore *chain.Chain
	stateMgr   *state.Manager
}

// network is the in-memory stand-in for the peer overlay: every
// BroadcastConsensus call is fanned out synchronously to every other
// node's inbox.
type network struct {
	nodes []*testNode
}

type relayBroadcaster struct {
	net  *network
	self *testNode
}

func (r relayBroadcaster) BroadcastConsensus(tx *types.Transaction) {
	_, isProposal := decodeKind(tx)
	for _, n := range r.net.nodes {
		if n == r.self {
			continue
		}
		if isProposal {
			n.engine.SubmitProposal(tx)
		} else {
			n.engine.SubmitVote(tx)
		}
	}
}

func decodeKind(tx *types.Transaction) (*types.ProposalPayload, bool) {
	payload, err := types.DecodeProposal(tx)
	return payload, err == nil
}

func (r relayBroadcaster) BroadcastTransaction(tx *types.Transaction) {
	for _, n := range r.net.nodes {
		if n != r.self {
			n.engine.SubmitTransaction(tx)
		}
	}
}

// RequestChainSegment is a no-op here: every node in this fully
// connected in-memory network observes every proposal and vote as it
// is produced, so the happy-path and catch-up scenarios below never
// need a live fetch mid-run. The fetch path itself is exercised
// directly by consensus.TestApplyChainSegmentAdvancesFinalizedHead and
// by TestNodeCatchesUpOntoCanonicalChain below, which drives
// ApplyChainSegment by hand the way a p2p.Dispatcher would upon
// receiving a CHAIN_SEGMENT_RESPONSE.
func (r relayBroadcaster) RequestChainSegment(*types.Block) {}

// buildNetwork wires n validators of equal stake into a fully
// connected in-memory network sharing one genesis block, and returns
// it without starting any engine.
func buildNetwork(t *testing.T, n int, epochMS int64) *network {
	t.Helper()
	dir := t.TempDir()

	signers := make([]*privval.FilePV, n)
	stakes := make([]types.ValidatorStake, n)
	for i := 0; i < n; i++ {
		signer, err := privval.LoadOrGenFilePV(
			filepath.Join(dir, fmt.Sprintf("v%d-key.json", i)),
			filepath.Join(dir, fmt.Sprintf("v%d-state.json", i)),
		)
		if err != nil {
			t.Fatalf("LoadOrGenFilePV: %v", err)
		}
		signers[i] = signer
		stakes[i] = types.ValidatorStake{Address: signer.GetAddress(), PublicKey: signer.GetPublicKey(), Stake: 100}
	}
	validators, err := types.NewValidatorSet(stakes)
	if err != nil {
		t.Fatalf("NewValidatorSet: %v", err)
	}
	genesis := types.NewGenesisBlock(validators.Validators)
	genesisTime := time.Now()

	net := &network{}
	for i := 0; i < n; i++ {
		chainStore := chain.NewChain(genesis, nil)
		stateMgr := state.NewManager(nil)
		if _, err := stateMgr.Clone("", "final-0"); err != nil {
			t.Fatalf("Clone genesis version: %v", err)
		}
		if err := stateMgr.Finalize("final-0"); err != nil {
			t.Fatalf("Finalize genesis version: %v", err)
		}

		cfg := consensus.DefaultConfig()
		cfg.ChainID = "integration-chain"
		cfg.MinNumValidators = 1
		cfg.EpochMS = epochMS
		cfg.MessageAcceptanceWindow = time.Minute

		clock := consensus.NewEpochClock(genesisTime, cfg.EpochMS, cfg.MaxTimeAdjustment, nil)

		nodeWAL, err := wal.NewFileWAL(filepath.Join(dir, fmt.Sprintf("v%d-wal", i)))
		if err != nil {
			t.Fatalf("NewFileWAL: %v", err)
		}
		if err := nodeWAL.Start(); err != nil {
			t.Fatalf("wal Start: %v", err)
		}
		t.Cleanup(func() { nodeWAL.Stop() })

		node := &testNode{name: fmt.Sprintf("validator-%d", i), signer: signers[i], chainStore: chainStore, stateMgr: stateMgr}
		node.engine = consensus.NewEngine(
			cfg, nil, stateMgr,
			txpool.NewPool(txpool.DefaultConfig(), nil),
			blockpool.NewPool(nil),
			chainStore, nil, signers[i],
			evidence.NewPool(evidence.DefaultConfig()),
			clock, validators,
			relayBroadcaster{net: net, self: node},
			nil,
			nodeWAL,
		)
		node.engine.SetNodeStatus(consensus.NodeServing)
		net.nodes = append(net.nodes, node)
	}
	return net
}

func startAll(t *testing.T, net *network) func() {
	t.Helper()
	for _, n := range net.nodes {
		if err := n.engine.Init(nil); err != nil {
			t.Fatalf("%s: Init: %v", n.name, err)
		}
	}
	return func() {
		for _, n := range net.nodes {
			n.engine.Stop()
		}
	}
}

func tipNumber(b *types.Block) int64 {
	if b == nil {
		return -1
	}
	return b.Number
}

// TestFiveValidatorHappyPath drives five equally-staked, fully
// connected validators through real wall-clock epochs and checks that
// every node's view of the chain advances well past genesis -- the
// steady-state liveness property of a healthy stake-weighted network.
func TestFiveValidatorHappyPath(t *testing.T) {
	net := buildNetwork(t, 5, 25)
	stop := startAll(t, net)
	defer stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		behind := false
		for _, n := range net.nodes {
			if tipNumber(n.engine.CurrentTip()) < 3 {
				behind = true
				break
			}
		}
		if !behind {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	for _, n := range net.nodes {
		tip := n.engine.CurrentTip()
		if tipNumber(tip) < 3 {
			t.Fatalf("%s: expected the chain to advance past genesis, tip is at number %d", n.name, tipNumber(tip))
		}
		// Exactly one state version should be live per node no matter how
		// many blocks finalized during the run: each finalization mints a
		// fresh version name via Transfer+Finalize, and Finalize must
		// evict the one it replaces or this leaks a version per block.
		if got := n.stateMgr.NumVersions(); got != 1 {
			t.Fatalf("%s: expected exactly 1 live state version after %d finalized blocks, got %d", n.name, tipNumber(tip), got)
		}
	}
}

// TestNodeCatchesUpOntoCanonicalChain simulates a validator that
// missed every proposal and vote while its peers ran ahead -- the same
// divergent-view starting point a genuine fork leaves behind once one
// branch wins notarization and the others don't -- and checks that
// feeding it the finalized segment via ApplyChainSegment (the same
// call a p2p.Dispatcher makes upon a CHAIN_SEGMENT_RESPONSE) converges
// it onto the same finalized head as the rest of the network.
func TestNodeCatchesUpOntoCanonicalChain(t *testing.T) {
	net := buildNetwork(t, 4, 25)
	stop := startAll(t, net)
	defer stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if tipNumber(net.nodes[0].engine.CurrentTip()) >= 3 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	reference := net.nodes[0].chainStore.Head()
	if reference.Number == 0 {
		t.Fatal("expected the reference network to have finalized at least one block before the join")
	}
	segment := net.nodes[0].chainStore.ChainSegment(0)
	if len(segment) == 0 {
		t.Fatal("expected a non-empty finalized segment to hand to the joining node")
	}

	joiningDir := t.TempDir()
	joiningSigner, err := privval.LoadOrGenFilePV(filepath.Join(joiningDir, "key.json"), filepath.Join(joiningDir, "state.json"))
	if err != nil {
		t.Fatalf("LoadOrGenFilePV: %v", err)
	}
	joiningGenesis := net.nodes[0].chainStore.ByNumber(0)
	joiningChain := chain.NewChain(joiningGenesis, nil)
	joiningState := state.NewManager(nil)
	if _, err := joiningState.Clone("", "final-0"); err != nil {
		t.Fatalf("Clone genesis version: %v", err)
	}
	if err := joiningState.Finalize("final-0"); err != nil {
		t.Fatalf("Finalize genesis version: %v", err)
	}
	joiningCfg := consensus.DefaultConfig()
	joiningCfg.ChainID = "integration-chain"
	joiningEngine := consensus.NewEngine(
		joiningCfg, nil, joiningState,
		txpool.NewPool(txpool.DefaultConfig(), nil),
		blockpool.NewPool(nil),
		joiningChain, nil, joiningSigner,
		evidence.NewPool(evidence.DefaultConfig()),
		consensus.NewEpochClock(time.Now(), joiningCfg.EpochMS, joiningCfg.MaxTimeAdjustment, nil),
		nil, consensus.NopBroadcaster{}, nil, nil,
	)

	if err := joiningEngine.ApplyChainSegment(segment); err != nil {
		t.Fatalf("ApplyChainSegment: %v", err)
	}

	joined := joiningChain.Head()
	if joined.Number != reference.Number || !joined.Hash.Equal(reference.Hash) {
		t.Fatalf("expected the joining node to converge on the reference head (number=%d hash=%s), got number=%d hash=%s",
			reference.Number, reference.Hash, joined.Number, joined.Hash)
	}
}
