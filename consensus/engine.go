package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cshcomcom/ain-blockchain/blockpool"
	"github.com/cshcomcom/ain-blockchain/chain"
	"github.com/cshcomcom/ain-blockchain/evidence"
	"github.com/cshcomcom/ain-blockchain/privval"
	"github.com/cshcomcom/ain-blockchain/state"
	"github.com/cshcomcom/ain-blockchain/txpool"
	"github.com/cshcomcom/ain-blockchain/types"
	"github.com/cshcomcom/ain-blockchain/wal"
	"go.uber.org/zap"
)

// Status is the engine lifecycle state, matching spec.md section
// 4.5's STARTING -> RUNNING -> STOPPED.
type Status int32

const (
	StatusStarting Status = iota
	StatusRunning
	StatusStopped
)

// NodeStatus is the node-level readiness state the engine consumes:
// proposals and votes are ignored unless the node is NodeServing,
// though chain-segment exchange proceeds regardless.
type NodeStatus int32

const (
	NodeStarting NodeStatus = iota
	NodeSyncing
	NodeServing
)

const inboxCapacity = 1000

// Engine is the ConsensusEngine of spec.md section 4.5: epoch clock,
// proposer selection, proposal construction and verification, vote
// verification, three-chain finalization and catch-up triggering.
//
// Mutable fields other than status/nodeStatus are touched exclusively
// from inside receiveRoutine, the teacher's single-goroutine event
// loop (engine/state.go's receiveRoutine) generalized here to select
// over an epoch tick instead of round-step timeouts; external callers
// only ever enqueue onto a channel, never mutate engine state
// directly, so no further locking is needed.
type Engine struct {
	config Config
	logger *zap.Logger

	stateMgr     *state.Manager
	txPool       *txpool.Pool
	blockPool    *blockpool.Pool
	chainStore   *chain.Chain
	rules        state.RuleEvaluator
	signer       privval.Signer // nil for a non-validating (watch-only) node
	evidencePool *evidence.Pool
	clock        *EpochClock
	broadcaster  Broadcaster
	reporter     Reporter
	wal          wal.WAL

	genesisValidators *types.ValidatorSet

	status     atomic.Int32
	nodeStatus atomic.Int32

	epoch             int64
	lastProposedEpoch int64
	lastVotedEpoch    int64

	proposalCh chan *types.Transaction
	voteCh     chan *types.Transaction
	txCh       chan *types.Transaction

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine wires the ConsensusEngine's collaborators together. signer
// may be nil for a node that observes consensus without validating.
// reporter and broadcaster fall back to no-ops when nil.
func NewEngine(
	config Config,
	logger *zap.Logger,
	stateMgr *state.Manager,
	txPool *txpool.Pool,
	blockPool *blockpool.Pool,
	chainStore *chain.Chain,
	rules state.RuleEvaluator,
	signer privval.Signer,
	evidencePool *evidence.Pool,
	clock *EpochClock,
	genesisValidators *types.ValidatorSet,
	broadcaster Broadcaster,
	reporter Reporter,
	walog wal.WAL,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}
	if reporter == nil {
		reporter = NopReporter{}
	}
	if walog == nil {
		walog = &wal.NopWAL{}
	}
	e := &Engine{
		config:            config,
		logger:            logger,
		stateMgr:          stateMgr,
		txPool:            txPool,
		blockPool:         blockPool,
		chainStore:        chainStore,
		rules:             rules,
		signer:            signer,
		evidencePool:      evidencePool,
		clock:             clock,
		genesisValidators: genesisValidators,
		broadcaster:       broadcaster,
		reporter:          reporter,
		wal:               walog,
		lastProposedEpoch: -1,
		lastVotedEpoch:    -1,
		proposalCh:        make(chan *types.Transaction, inboxCapacity),
		voteCh:            make(chan *types.Transaction, inboxCapacity),
		txCh:              make(chan *types.Transaction, inboxCapacity),
	}
	e.status.Store(int32(StatusStarting))
	e.nodeStatus.Store(int32(NodeStarting))
	return e
}

func finalizedVersionName(number int64) state.VersionName {
	return state.VersionName(fmt.Sprintf("final-%d", number))
}

// Status reports the engine's lifecycle state.
func (e *Engine) Status() Status { return Status(e.status.Load()) }

// NodeStatus reports the node-level readiness state.
func (e *Engine) NodeStatus() NodeStatus { return NodeStatus(e.nodeStatus.Load()) }

// SetNodeStatus updates the node-level readiness state; SYNCING nodes
// still exchange chain segments but their votes and proposals are
// ignored until SERVING.
func (e *Engine) SetNodeStatus(s NodeStatus) { e.nodeStatus.Store(int32(s)) }

// SetBroadcaster rewires the engine's outbound transport after
// construction. p2p.Dispatcher needs a live *Engine to route inbound
// messages to, and Engine needs a live Broadcaster to route outbound
// ones through -- since neither can be built first, callers construct
// the engine with a NopBroadcaster, build the dispatcher around it,
// then call SetBroadcaster before Init. Only safe before Init starts
// the event loop.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	if b == nil {
		b = NopBroadcaster{}
	}
	e.broadcaster = b
}

// Epoch returns the engine's last-computed epoch number.
func (e *Engine) Epoch() int64 { return e.epoch }

// Init starts the epoch clock and the event loop. lastBlockWithoutProposal
// is the chain head this node resumes from; its finalized state version
// (finalizedVersionName(head.Number)) must already exist and be
// finalized in stateMgr before calling Init.
func (e *Engine) Init(lastBlockWithoutProposal *types.Block) error {
	if e.Status() != StatusStarting {
		return ErrAlreadyStarted
	}
	_ = lastBlockWithoutProposal // chainStore.Head() is authoritative; kept for call-site clarity.
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.status.Store(int32(StatusRunning))
	e.clock.Start()
	e.wg.Add(1)
	go e.receiveRoutine()
	return nil
}

// Stop halts the epoch clock and event loop.
func (e *Engine) Stop() error {
	if e.Status() != StatusRunning {
		return ErrNotStarted
	}
	e.status.Store(int32(StatusStopped))
	e.cancel()
	e.clock.Stop()
	e.wg.Wait()
	return nil
}

// SubmitProposal enqueues a received PROPOSE transaction for
// processing. Like the teacher's AddProposal/AddVote, a full inbox
// drops the message rather than blocking the caller.
func (e *Engine) SubmitProposal(tx *types.Transaction) {
	select {
	case e.proposalCh <- tx:
	default:
	}
}

// SubmitVote enqueues a received VOTE transaction for processing.
func (e *Engine) SubmitVote(tx *types.Transaction) {
	select {
	case e.voteCh <- tx:
	default:
	}
}

// SubmitTransaction enqueues an ordinary transaction for pool admission.
func (e *Engine) SubmitTransaction(tx *types.Transaction) {
	select {
	case e.txCh <- tx:
	default:
	}
}

func (e *Engine) receiveRoutine() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.clock.Chan():
			e.handleEpochTick()
		case tx := <-e.proposalCh:
			e.handleProposal(tx)
		case tx := <-e.voteCh:
			e.handleVote(tx)
		case tx := <-e.txCh:
			e.handleTransaction(tx)
		}
	}
}

func (e *Engine) handleTransaction(tx *types.Transaction) {
	if decision := e.txPool.Admit(tx); decision == txpool.Admitted {
		e.broadcaster.BroadcastTransaction(tx)
	}
}

// handleEpochTick implements the five epoch-clock steps of spec.md
// section 4.5: it recomputes the current epoch from the clock, then
// hands off to runEpoch for the finalization/proposal work, which is
// also the part engine tests drive directly with a fixed e.epoch to
// avoid depending on wall-clock timing.
func (e *Engine) handleEpochTick() {
	if err := e.clock.MaybeResync(e.epoch, e.config.NTPResyncEpochInterval); err != nil {
		e.logger.Warn("clock resync failed", zap.Error(err))
	}
	e.epoch = e.clock.CurrentEpoch(time.Now())
	e.runEpoch()
}

func (e *Engine) runEpoch() {
	if e.NodeStatus() != NodeServing {
		return
	}

	e.attemptFinalization()

	lastBlock := e.chooseLastBlock()
	if lastBlock == nil {
		return
	}
	validators := e.validatorSetFor(lastBlock)
	proposer, err := SelectProposer(types.LastVotesHash(lastBlock), e.epoch, validators)
	if err != nil {
		e.logger.Warn("proposer selection failed", zap.Error(err))
		return
	}
	if e.signer == nil || e.signer.GetAddress() != proposer || e.lastProposedEpoch == e.epoch {
		return
	}

	block, proposalTx, err := e.buildProposal(lastBlock, validators)
	if err != nil {
		e.logger.Warn("proposal construction failed, abandoning this epoch", zap.Error(err))
		return
	}
	e.lastProposedEpoch = e.epoch
	e.deliverOwnProposal(block, proposalTx)
}

// chooseLastBlock returns the tip of the longest-notarized chain --
// the last block of the extending chain with the highest epoch, ties
// broken by hash -- falling back to the finalized chain head before
// any block has been notarized.
func (e *Engine) chooseLastBlock() *types.Block {
	tips := e.blockPool.LongestNotarizedTips()
	if len(tips) == 0 {
		return e.chainStore.Head()
	}
	var best *blockpool.BlockInfo
	for _, hash := range tips {
		info := e.blockPool.GetBlock(hash)
		if info == nil {
			continue
		}
		if best == nil ||
			info.Block.Epoch > best.Block.Epoch ||
			(info.Block.Epoch == best.Block.Epoch && info.Block.Hash.String() < best.Block.Hash.String()) {
			best = info
		}
	}
	if best == nil {
		return e.chainStore.Head()
	}
	return best.Block
}

func (e *Engine) validatorSetFor(block *types.Block) *types.ValidatorSet {
	if block == nil || len(block.Validators) == 0 {
		return e.genesisValidators
	}
	vs, err := types.NewValidatorSet(block.Validators)
	if err != nil {
		return e.genesisValidators
	}
	return vs
}

func (e *Engine) stateVersionFor(hash types.Hash, number int64) (state.VersionName, bool) {
	if ref, ok := e.blockPool.GetStateVersion(hash); ok {
		return state.VersionName(ref), true
	}
	if head := e.chainStore.Head(); head != nil && head.Hash.Equal(hash) {
		return finalizedVersionName(number), true
	}
	return "", false
}

// lastVotesFor returns the transaction list a new block extending
// block must carry as its own last_votes: block's proposal
// transaction followed by every vote seen for it, matching spec.md
// section 4.5 step 3.
func (e *Engine) lastVotesFor(block *types.Block) []types.Transaction {
	if block == nil || block.Number == 0 {
		return nil
	}
	info := e.blockPool.GetBlock(block.Hash)
	if info == nil {
		return nil
	}
	var out []types.Transaction
	if info.ProposalTx != nil {
		out = append(out, *info.ProposalTx)
	}
	for _, v := range info.Votes {
		out = append(out, *v)
	}
	return out
}

// ancestorTxHashes walks from block back to the finalized chain head,
// collecting every transaction hash already included along the way,
// so an unordered transaction is not admitted twice into two blocks
// of the same in-flight (not-yet-finalized) chain.
func (e *Engine) ancestorTxHashes(block *types.Block) map[types.Hash]struct{} {
	out := make(map[types.Hash]struct{})
	head := e.chainStore.Head()
	hash := block.Hash
	for {
		if head != nil && hash.Equal(head.Hash) {
			return out
		}
		info := e.blockPool.GetBlock(hash)
		if info == nil {
			return out
		}
		for i := range info.Block.Transactions {
			out[info.Block.Transactions[i].Hash] = struct{}{}
		}
		if info.Block.LastHash.IsEmpty() {
			return out
		}
		hash = info.Block.LastHash
	}
}

func toPtrSlice(txs []types.Transaction) []*types.Transaction {
	if len(txs) == 0 {
		return nil
	}
	out := make([]*types.Transaction, len(txs))
	for i := range txs {
		out[i] = &txs[i]
	}
	return out
}

// buildProposal implements spec.md section 4.5's proposal construction
// steps 2-7 (step 1, choosing lastBlock, is the caller's job).
func (e *Engine) buildProposal(lastBlock *types.Block, validators *types.ValidatorSet) (*types.Block, *types.Transaction, error) {
	baseVersion, ok := e.stateVersionFor(lastBlock.Hash, lastBlock.Number)
	if !ok {
		return nil, nil, fmt.Errorf("%w: no state version for block %d", ErrInternal, lastBlock.Number)
	}
	tempName, _, err := e.stateMgr.CloneToTemp(baseVersion, "propose")
	if err != nil {
		return nil, nil, err
	}
	succeeded := false
	defer func() {
		if !succeeded {
			e.stateMgr.Delete(tempName)
		}
	}()

	view := state.NewView(e.stateMgr, tempName, lastBlock.Number+1, e.rules)
	defer view.Close()

	lastVotes := e.lastVotesFor(lastBlock)
	if !view.ExecuteList(toPtrSlice(lastVotes), lastBlock.Number+1) {
		return nil, nil, fmt.Errorf("%w: failed to replay last_votes while proposing", ErrInternal)
	}

	ancestorHashes := e.ancestorTxHashes(lastBlock)
	included := func(h types.Hash) bool { _, ok := ancestorHashes[h]; return ok }
	getNonce := func(addr types.AccountName) (int64, error) {
		n, _, err := view.GetAccountNonceAndTimestamp(addr)
		return n, err
	}
	eligible, err := e.txPool.ValidTransactions(getNonce, included)
	if err != nil {
		return nil, nil, err
	}

	var applied []types.Transaction
	var invalid []*types.Transaction
	var gasAmount, gasCost int64
	for _, tx := range eligible {
		view.Backup()
		res := view.Execute(tx)
		if res.Failed() {
			view.Restore()
			invalid = append(invalid, tx)
			continue
		}
		applied = append(applied, *tx)
		gasAmount += res.GasAmount
		gasCost += res.GasCost
	}
	if len(invalid) > 0 {
		e.txPool.RemoveInvalid(invalid)
	}

	block := &types.Block{
		Number:         lastBlock.Number + 1,
		Epoch:          e.epoch,
		LastHash:       lastBlock.Hash,
		Proposer:       e.signer.GetAddress(),
		Validators:     types.CopyValidatorStakes(validators.Validators),
		Transactions:   applied,
		LastVotes:      lastVotes,
		GasAmountTotal: gasAmount,
		GasCostTotal:   gasCost,
		StateProofHash: view.StateProof(""),
		Timestamp:      nowMillis(),
	}
	block.Hash = types.BlockHash(block)

	var extraOps []types.Operation
	if pruneAt := block.Number - e.config.ConsensusStateRetentionWindow; pruneAt >= 0 {
		extraOps = append(extraOps, types.Operation{
			Type: types.OpDelete,
			Path: fmt.Sprintf("/consensus/number/%d", pruneAt),
		})
	}

	proposalTx, err := e.signer.SignProposal(block, nowMillis(), extraOps...)
	if err != nil {
		return nil, nil, err
	}

	succeeded = true
	e.blockPool.SetStateVersion(block.Hash, blockpool.VersionRef(tempName))
	return block, proposalTx, nil
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// writeProposalToWAL logs a proposal to the write-ahead log before it
// is broadcast or voted on. The engine does not read the log back on
// restart.
func (e *Engine) writeProposalToWAL(height int64, tx *types.Transaction) {
	msg, err := wal.NewProposalMessage(height, tx)
	if err != nil {
		e.logger.Warn("failed to encode proposal for WAL", zap.Error(err))
		return
	}
	if err := e.wal.Write(msg); err != nil {
		e.logger.Warn("failed to write proposal to WAL", zap.Error(err))
	}
}

// writeVoteToWAL logs a vote synchronously: a vote is a safety-critical
// signature the engine must not lose track of across a crash, the same
// reasoning the teacher applies to precommit signing.
func (e *Engine) writeVoteToWAL(height int64, tx *types.Transaction) {
	msg, err := wal.NewVoteMessage(height, tx)
	if err != nil {
		e.logger.Warn("failed to encode vote for WAL", zap.Error(err))
		return
	}
	if err := e.wal.WriteSync(msg); err != nil {
		e.logger.Warn("failed to write vote to WAL", zap.Error(err))
	}
}

// writeFinalizeToWAL logs a block's finalization synchronously and
// marks the end of that height's WAL entries.
func (e *Engine) writeFinalizeToWAL(block *types.Block) {
	msg, err := wal.NewFinalizeMessage(block)
	if err != nil {
		e.logger.Warn("failed to encode finalized block for WAL", zap.Error(err))
		return
	}
	if err := e.wal.WriteSync(msg); err != nil {
		e.logger.Warn("failed to write finalized block to WAL", zap.Error(err))
		return
	}
	if err := e.wal.Write(wal.NewEndHeightMessage(block.Number)); err != nil {
		e.logger.Warn("failed to write end-height marker to WAL", zap.Error(err))
	}
}

// deliverOwnProposal self-delivers a freshly built proposal: admits it
// into the pool (its state version was already bound by
// buildProposal), broadcasts it, and casts this node's own vote.
func (e *Engine) deliverOwnProposal(block *types.Block, proposalTx *types.Transaction) {
	if !e.blockPool.AddSeenBlock(block, proposalTx) {
		e.logger.Warn("self-proposed block already seen, dropping", zap.String("hash", block.Hash.String()))
		return
	}
	e.writeProposalToWAL(block.Number, proposalTx)
	e.broadcaster.BroadcastConsensus(proposalTx)
	if e.lastVotedEpoch != block.Epoch {
		e.lastVotedEpoch = block.Epoch
		e.castVote(block)
	}
}

func (e *Engine) castVote(block *types.Block) {
	if e.signer == nil {
		return
	}
	validators := e.validatorSetFor(block)
	val := validators.GetByName(e.signer.GetAddress())
	if val == nil {
		return
	}
	voteTx, err := e.signer.SignVote(block.Number, block.Epoch, block.Hash, val.Stake, nowMillis())
	if err != nil {
		if !errors.Is(err, privval.ErrDoubleSign) && !errors.Is(err, privval.ErrEpochRegression) {
			e.logger.Warn("vote signing failed", zap.Error(err))
		}
		return
	}
	ok, err := e.blockPool.AddSeenVote(voteTx)
	if err != nil {
		e.logger.Warn("failed to admit own vote into the pool", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	e.writeVoteToWAL(block.Number, voteTx)
	e.broadcaster.BroadcastConsensus(voteTx)
}

// handleProposal implements the ordered rejection checklist of
// spec.md section 4.5's proposal verification.
func (e *Engine) handleProposal(tx *types.Transaction) {
	if e.NodeStatus() != NodeServing {
		return
	}
	payload, err := types.DecodeProposal(tx)
	if err != nil {
		e.logger.Debug("dropping malformed proposal", zap.Error(err))
		return
	}
	block := &payload.Block
	if !payload.BlockHash.Equal(block.Hash) || !types.BlockHash(block).Equal(block.Hash) {
		e.logger.Debug("dropping proposal with block hash mismatch")
		return
	}
	if err := e.validateBlockStatic(block, tx); err != nil {
		e.logger.Debug("dropping proposal failing static checks", zap.Error(err))
		return
	}

	if head := e.chainStore.Head(); head != nil && block.Number <= head.Number {
		// Recorded for history only; not actionable.
		return
	}

	lastNotarized := e.chooseLastBlock()
	if lastNotarized != nil && block.Number > lastNotarized.Number+1 {
		e.broadcaster.RequestChainSegment(lastNotarized)
		return
	}

	predecessor, predecessorVersion, err := e.resolvePredecessor(block)
	if err != nil {
		e.logger.Debug("dropping proposal with unresolvable predecessor", zap.Error(err))
		return
	}
	if predecessor.Epoch >= block.Epoch {
		e.logger.Debug("dropping proposal that does not advance the epoch")
		return
	}
	validators := e.validatorSetFor(predecessor)
	expectedProposer, err := SelectProposer(types.LastVotesHash(predecessor), block.Epoch, validators)
	if err != nil || expectedProposer != block.Proposer {
		e.logger.Debug("dropping proposal from an unexpected proposer")
		return
	}
	if validators.Size() < e.config.MinNumValidators {
		e.logger.Debug("dropping proposal from a validator set below the minimum size")
		return
	}

	tempName, stateProofHash, gasAmount, gasCost, err := e.replayBlock(block, predecessorVersion)
	if err != nil {
		e.logger.Debug("dropping proposal that fails replay", zap.Error(err))
		return
	}
	if gasAmount != block.GasAmountTotal || gasCost != block.GasCostTotal {
		e.stateMgr.Delete(tempName)
		e.logger.Debug("dropping proposal with mismatched gas totals")
		return
	}
	if e.config.StrictStateProof && !stateProofHash.Equal(block.StateProofHash) {
		e.stateMgr.Delete(tempName)
		e.logger.Debug("dropping proposal with mismatched state proof hash")
		return
	}

	view := state.NewView(e.stateMgr, tempName, block.Number, e.rules)
	proposalResult := view.Execute(tx)
	view.Close()
	if proposalResult.Failed() {
		e.stateMgr.Delete(tempName)
		e.logger.Debug("dropping proposal: proposal transaction failed to apply")
		return
	}

	if !e.blockPool.AddSeenBlock(block, tx) {
		e.stateMgr.Delete(tempName)
		return
	}
	e.blockPool.SetStateVersion(block.Hash, blockpool.VersionRef(tempName))
	e.writeProposalToWAL(block.Number, tx)
	e.broadcaster.BroadcastConsensus(tx)

	if e.lastVotedEpoch == block.Epoch {
		return
	}
	e.lastVotedEpoch = block.Epoch
	e.castVote(block)
}

func (e *Engine) validateBlockStatic(block *types.Block, tx *types.Transaction) error {
	if tx.Address != block.Proposer {
		return fmt.Errorf("%w: proposal signer is not the claimed proposer", ErrInvalidBlock)
	}
	validators := e.validatorSetFor(block)
	proposerVal := validators.GetByName(block.Proposer)
	if proposerVal == nil {
		return fmt.Errorf("%w: proposer holds no stake in the claimed validator set", ErrInvalidBlock)
	}
	if err := types.VerifyTransaction(tx, proposerVal.PublicKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	return nil
}

// resolvePredecessor locates block's predecessor and the state
// version to fork from to verify block. If the predecessor is not yet
// independently notarized in the pool, it attempts to notarize it
// using the vote evidence bundled in block.LastVotes, matching
// spec.md section 4.5's "try to notarize it ... if that fails to
// cross 2/3, reject" rule.
func (e *Engine) resolvePredecessor(block *types.Block) (*types.Block, state.VersionName, error) {
	if head := e.chainStore.Head(); head != nil && head.Hash.Equal(block.LastHash) {
		return head, finalizedVersionName(head.Number), nil
	}
	info := e.blockPool.GetBlock(block.LastHash)
	if info == nil {
		return nil, "", ErrPredecessorUnknown
	}
	ref, ok := e.blockPool.GetStateVersion(block.LastHash)
	if !ok {
		return nil, "", fmt.Errorf("%w: missing state version for predecessor", ErrInternal)
	}
	if info.Notarized || e.notarizedByBundledVotes(block, info.Block) {
		return info.Block, state.VersionName(ref), nil
	}
	return nil, "", fmt.Errorf("%w: predecessor is not notarized", ErrInvalidProposal)
}

func (e *Engine) notarizedByBundledVotes(block, predecessor *types.Block) bool {
	validators := e.validatorSetFor(predecessor)
	seen := make(map[types.AccountName]bool)
	var tally int64
	for i := range block.LastVotes {
		payload, err := types.DecodeVote(&block.LastVotes[i])
		if err != nil || !payload.BlockHash.Equal(predecessor.Hash) {
			continue
		}
		addr := block.LastVotes[i].Address
		if seen[addr] || !validators.HasStake(addr) {
			continue
		}
		seen[addr] = true
		tally += payload.Stake
	}
	return tally >= validators.TwoThirdsMajority()
}

// replayBlock forks predecessorVersion and replays block's last_votes
// then transactions atop it, matching spec.md section 4.5's ordering
// invariant ("within a block, last_votes are applied before
// transactions"). On success the returned version is left live for
// the caller to either bind to the block or discard.
func (e *Engine) replayBlock(block *types.Block, predecessorVersion state.VersionName) (state.VersionName, types.Hash, int64, int64, error) {
	tempName, _, err := e.stateMgr.CloneToTemp(predecessorVersion, "verify")
	if err != nil {
		return "", types.Hash{}, 0, 0, err
	}
	view := state.NewView(e.stateMgr, tempName, block.Number, e.rules)

	ordered := append(toPtrSlice(block.LastVotes), toPtrSlice(block.Transactions)...)
	var gasAmount, gasCost int64
	for _, tx := range ordered {
		res := view.Execute(tx)
		if res.Failed() {
			view.Close()
			e.stateMgr.Delete(tempName)
			return "", types.Hash{}, 0, 0, fmt.Errorf("%w: transaction %s failed to apply", ErrInvalidBlock, tx.Hash)
		}
		gasAmount += res.GasAmount
		gasCost += res.GasCost
	}
	proofHash := view.StateProof("")
	view.Close()
	return tempName, proofHash, gasAmount, gasCost, nil
}

// handleVote implements spec.md section 4.5's vote verification.
func (e *Engine) handleVote(tx *types.Transaction) {
	if e.NodeStatus() != NodeServing {
		return
	}
	payload, err := types.DecodeVote(tx)
	if err != nil {
		e.logger.Debug("dropping malformed vote", zap.Error(err))
		return
	}

	var blockVersion state.VersionName
	var blockInfo *blockpool.BlockInfo
	var blockNumber int64
	if head := e.chainStore.Head(); head != nil && head.Hash.Equal(payload.BlockHash) {
		blockVersion = finalizedVersionName(head.Number)
		blockNumber = head.Number
	} else if info := e.blockPool.GetBlock(payload.BlockHash); info != nil {
		ref, ok := e.blockPool.GetStateVersion(payload.BlockHash)
		if !ok {
			e.logger.Debug("dropping vote for a block with no live state version")
			return
		}
		blockVersion = state.VersionName(ref)
		blockInfo = info
		blockNumber = info.Block.Number
	} else {
		// Block not seen yet: AddSeenVote buffers it until the block
		// arrives.
		if _, err := e.blockPool.AddSeenVote(tx); err != nil {
			e.logger.Debug("dropping unrecoverable vote", zap.Error(err))
		}
		return
	}

	tempName, _, err := e.stateMgr.CloneToTemp(blockVersion, "vote")
	if err != nil {
		e.logger.Warn("failed to snapshot state for vote verification", zap.Error(err))
		return
	}
	view := state.NewView(e.stateMgr, tempName, 0, e.rules)
	failed := view.Execute(tx).Failed()
	view.Close()
	e.stateMgr.Delete(tempName)
	if failed {
		e.logger.Debug("dropping vote that fails to apply")
		return
	}

	ok, err := e.blockPool.AddSeenVote(tx)
	if err != nil {
		e.logger.Debug("dropping vote with a decode error", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	e.writeVoteToWAL(blockNumber, tx)
	e.broadcaster.BroadcastConsensus(tx)

	if blockInfo != nil && e.evidencePool != nil {
		ev, err := e.evidencePool.CheckVote(tx, blockInfo.Block.Epoch, e.validatorSetFor(blockInfo.Block))
		if err == nil && ev != nil {
			if err := e.evidencePool.AddEvidence(ev); err != nil {
				e.logger.Debug("duplicate equivocation evidence", zap.Error(err))
			}
		}
	}
}

// attemptFinalization implements spec.md section 4.6: whenever
// BlockPool.FinalizableChain returns a three-block notarized suffix
// [A, B, C] with strictly consecutive epochs, A and B are finalized
// (C is retained as the pool's working tip).
func (e *Engine) attemptFinalization() {
	suffix := e.blockPool.FinalizableChain()
	if suffix == nil {
		return
	}
	for _, info := range suffix[:2] {
		if err := e.finalizeBlock(info.Block); err != nil {
			e.logger.Error("finalization failed, halting further finalization this tick", zap.Error(err))
			return
		}
	}
}

// CurrentTip returns the tip of the longest-notarized chain this node
// currently knows about, falling back to the finalized chain head.
// Exported for the p2p dispatcher, which carries it on every outbound
// CHAIN_SEGMENT_REQUEST per spec.md section 4.7.
func (e *Engine) CurrentTip() *types.Block {
	return e.chooseLastBlock()
}

// ApplyChainSegment implements the requester side of spec.md section
// 4.7's catch-up: each block in segment is replayed atop the
// finalized chain in order, validated against its header (hash,
// gas totals, optional state proof), appended, and its freshly
// replayed state version promoted to finalized -- avoiding a copy via
// StateVersionManager.Transfer, matching spec.md section 4.1's
// "transfer" operation note. The first block that fails replay aborts
// the whole segment; blocks already applied before the failure remain
// committed, matching spec.md section 4.7's "best-effort, retries at
// the next tick" error handling.
func (e *Engine) ApplyChainSegment(segment []*types.Block) error {
	if err := e.chainStore.ValidateSegment(segment); err != nil {
		return fmt.Errorf("%w: %v", ErrInconsistent, err)
	}
	for _, block := range segment {
		if err := e.applySegmentBlock(block); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applySegmentBlock(block *types.Block) error {
	head := e.chainStore.Head()
	if head == nil || block.Number != head.Number+1 {
		return fmt.Errorf("%w: segment block %d does not extend head", ErrInconsistent, block.Number)
	}
	tempName, proofHash, gasAmount, gasCost, err := e.replayBlock(block, finalizedVersionName(head.Number))
	if err != nil {
		return err
	}
	if gasAmount != block.GasAmountTotal || gasCost != block.GasCostTotal {
		e.stateMgr.Delete(tempName)
		return fmt.Errorf("%w: gas totals mismatch replaying segment block %d", ErrInconsistent, block.Number)
	}
	if e.config.StrictStateProof && !proofHash.Equal(block.StateProofHash) {
		e.stateMgr.Delete(tempName)
		return fmt.Errorf("%w: state proof mismatch replaying segment block %d", ErrInconsistent, block.Number)
	}
	if err := e.chainStore.Append(block); err != nil {
		e.stateMgr.Delete(tempName)
		return err
	}
	finalName := finalizedVersionName(block.Number)
	if err := e.stateMgr.Transfer(tempName, finalName); err != nil {
		return err
	}
	if err := e.stateMgr.Finalize(finalName); err != nil {
		return err
	}
	e.txPool.CleanUpForNewBlock(block)
	return nil
}

func (e *Engine) finalizeBlock(block *types.Block) error {
	if head := e.chainStore.Head(); head != nil && head.Number >= block.Number {
		return nil // already appended in a previous tick
	}
	ref, ok := e.blockPool.GetStateVersion(block.Hash)
	if !ok {
		return fmt.Errorf("%w: missing state version for block %d", ErrInternal, block.Number)
	}
	if err := e.chainStore.Append(block); err != nil {
		return err
	}
	finalName := finalizedVersionName(block.Number)
	if err := e.stateMgr.Transfer(state.VersionName(ref), finalName); err != nil {
		return err
	}
	if err := e.stateMgr.Finalize(finalName); err != nil {
		return err
	}
	e.writeFinalizeToWAL(block)
	e.txPool.CleanUpForNewBlock(block)
	for _, dropped := range e.blockPool.CleanUpAfterFinalization(block) {
		if err := e.stateMgr.Delete(state.VersionName(dropped)); err != nil {
			e.logger.Warn("failed to release a pruned state version", zap.Error(err))
		}
	}
	if err := e.reporter.ReportStateProofHash(block.Number, block.StateProofHash); err != nil {
		e.logger.Warn("state proof report failed, will retry next reporting period", zap.Error(err))
	}
	return nil
}
