package p2p

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cshcomcom/ain-blockchain/blockpool"
	"github.com/cshcomcom/ain-blockchain/chain"
	"github.com/cshcomcom/ain-blockchain/consensus"
	"github.com/cshcomcom/ain-blockchain/types"
	"go.uber.org/zap"
)

func marshalJSON(v interface{}) ([]byte, error)         { return json.Marshal(v) }
func unmarshalJSON(data []byte, v interface{}) error    { return json.Unmarshal(data, v) }

// HandshakeSigner is the narrow signing surface the dispatcher needs
// to complete a signed ADDRESS_REQUEST/ADDRESS_RESPONSE handshake,
// satisfied by *privval.FilePV.
type HandshakeSigner interface {
	GetAddress() types.AccountName
	GetPublicKey() types.PublicKey
	SignHandshake(timestamp int64) (types.Signature, error)
}

// Dispatcher is the PeerDispatcher of spec.md section 4.7 / 6: it
// frames and routes the six wire messages over a set of duplex
// channels, performs the signed handshake, gates on protocol version
// and message timestamp, and implements consensus.Broadcaster so the
// engine can hand it outbound PROPOSE/VOTE/TRANSACTION/catch-up
// traffic without knowing about sockets at all. Grounded on the
// teacher's engine/peer_state.go (PeerState/PeerSet bookkeeping) and
// engine/blocksync.go (request/response plumbing for catch-up).
type Dispatcher struct {
	mu sync.Mutex

	logger *zap.Logger
	signer HandshakeSigner

	engine     *consensus.Engine
	chainStore *chain.Chain
	blockPool  *blockpool.Pool

	peers *PeerSet
	conns map[string]Conn

	acceptanceWindow time.Duration
}

// NewDispatcher wires the dispatcher's collaborators together. signer
// must be non-nil for any node that wants to complete handshakes,
// inbound or outbound -- both directions sign their own
// ADDRESS_REQUEST/ADDRESS_RESPONSE body, matching spec.md section 9's
// open question (b).
func NewDispatcher(
	logger *zap.Logger,
	signer HandshakeSigner,
	engine *consensus.Engine,
	chainStore *chain.Chain,
	blockPool *blockpool.Pool,
	acceptanceWindow time.Duration,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:           logger,
		signer:           signer,
		engine:           engine,
		chainStore:       chainStore,
		blockPool:        blockPool,
		peers:            NewPeerSet(),
		conns:            make(map[string]Conn),
		acceptanceWindow: acceptanceWindow,
	}
}

// ServeHTTP upgrades an inbound HTTP request to a duplex channel and
// runs the responder side of the handshake before handing the
// connection to the read loop, matching spec.md section 6's framing.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrade(w, r)
	if err != nil {
		d.logger.Debug("inbound upgrade failed", zap.Error(err))
		return
	}
	peerID := r.RemoteAddr
	if err := d.handshakeInbound(peerID, conn); err != nil {
		d.logger.Debug("inbound handshake failed, closing", zap.String("peer", peerID), zap.Error(err))
		conn.Close()
		return
	}
	d.registerConn(peerID, conn)
	go d.readLoop(peerID, conn)
}

// Dial connects outbound to a peer at url, completes the initiator
// side of the handshake, and starts its read loop.
func (d *Dispatcher) Dial(peerID, url string) error {
	conn, err := dial(url)
	if err != nil {
		return fmt.Errorf("%w: %v", consensus.ErrPeerUnreachable, err)
	}
	if err := d.handshakeOutbound(peerID, conn); err != nil {
		conn.Close()
		return err
	}
	d.registerConn(peerID, conn)
	go d.readLoop(peerID, conn)
	return nil
}

func (d *Dispatcher) registerConn(peerID string, conn Conn) {
	d.mu.Lock()
	d.conns[peerID] = conn
	d.mu.Unlock()
}

// Disconnect closes and forgets a peer, matching the cancellation
// behavior of spec.md section 5: stop() closes inbound sockets.
func (d *Dispatcher) Disconnect(peerID string) {
	d.mu.Lock()
	conn, ok := d.conns[peerID]
	delete(d.conns, peerID)
	d.mu.Unlock()
	if ok {
		conn.Close()
	}
	d.peers.RemovePeer(peerID)
}

func (d *Dispatcher) handshakeBody() (HandshakeBody, types.Signature, error) {
	if d.signer == nil {
		return HandshakeBody{}, nil, fmt.Errorf("%w: no signer configured for outbound handshake", consensus.ErrNoPrivValidator)
	}
	ts := nowMillis()
	sig, err := d.signer.SignHandshake(ts)
	if err != nil {
		return HandshakeBody{}, nil, err
	}
	body := HandshakeBody{Address: d.signer.GetAddress(), PublicKey: d.signer.GetPublicKey(), Timestamp: ts}
	return body, sig, nil
}

// verifyHandshake checks that data's signature recovers to its
// claimed address and that its timestamp is within the acceptance
// window, matching spec.md section 9's open question (b): handshakes
// must be signed.
func (d *Dispatcher) verifyHandshake(data HandshakeData) (types.AccountName, error) {
	if err := CheckTimestamp(data.Body.Timestamp, d.acceptanceWindow, time.Now()); err != nil {
		return "", err
	}
	claimed, err := types.AddressFromPublicKey(data.Body.PublicKey)
	if err != nil || claimed != data.Body.Address {
		return "", ErrHandshakeSignatureInvalid
	}
	sb, err := signBytesOf(data.Body)
	if err != nil {
		return "", err
	}
	if _, err := types.Recover(data.Body.PublicKey, sb, data.Signature); err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshakeSignatureInvalid, err)
	}
	return data.Body.Address, nil
}

// signBytesOf reproduces the exact bytes privval.FilePV.SignHandshake
// signs over -- the same struct shape, so json.Marshal round-trips
// identically regardless of which side constructed the value.
func signBytesOf(body HandshakeBody) ([]byte, error) {
	return marshalJSON(body)
}

func (d *Dispatcher) handshakeOutbound(peerID string, conn Conn) error {
	body, sig, err := d.handshakeBody()
	if err != nil {
		return err
	}
	req, err := NewEnvelope(AddressRequest, HandshakeData{Body: body, Signature: sig})
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(req); err != nil {
		return err
	}

	var resp Envelope
	if err := conn.ReadJSON(&resp); err != nil {
		return err
	}
	if resp.Type != AddressResponse {
		return fmt.Errorf("%w: expected ADDRESS_RESPONSE, got %s", ErrHandshakeSignatureInvalid, resp.Type)
	}
	if err := CheckVersion(resp.DataProtoVer); err != nil {
		return err
	}
	var respData HandshakeData
	if err := unmarshalJSON(resp.Data, &respData); err != nil {
		return err
	}
	addr, err := d.verifyHandshake(respData)
	if err != nil {
		return err
	}
	d.peers.AddPeer(peerID).CompleteHandshake(addr)
	return nil
}

func (d *Dispatcher) handshakeInbound(peerID string, conn Conn) error {
	var req Envelope
	if err := conn.ReadJSON(&req); err != nil {
		return err
	}
	if req.Type != AddressRequest {
		return fmt.Errorf("%w: expected ADDRESS_REQUEST, got %s", ErrHandshakeSignatureInvalid, req.Type)
	}
	if err := CheckVersion(req.DataProtoVer); err != nil {
		return err
	}
	var reqData HandshakeData
	if err := unmarshalJSON(req.Data, &reqData); err != nil {
		return err
	}
	addr, err := d.verifyHandshake(reqData)
	if err != nil {
		return err
	}

	body, sig, err := d.handshakeBody()
	if err != nil {
		return err
	}
	resp, err := NewEnvelope(AddressResponse, HandshakeData{Body: body, Signature: sig})
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(resp); err != nil {
		return err
	}
	d.peers.AddPeer(peerID).CompleteHandshake(addr)
	return nil
}

// readLoop is the per-socket inbound framing loop of spec.md section
// 5: it owns no consensus state directly, it only decodes envelopes
// and hands them to routeEnvelope, which enqueues onto the engine's
// channels -- the actual single-goroutine consensus event loop lives
// in package consensus.
func (d *Dispatcher) readLoop(peerID string, conn Conn) {
	defer d.Disconnect(peerID)
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			d.logger.Debug("peer connection closed", zap.String("peer", peerID), zap.Error(err))
			return
		}
		if err := CheckVersion(env.DataProtoVer); err != nil {
			d.logger.Debug("dropping message with incompatible version", zap.String("peer", peerID), zap.Error(err))
			continue
		}
		if err := CheckTimestamp(env.Timestamp, d.acceptanceWindow, time.Now()); err != nil {
			d.logger.Debug("dropping stale message", zap.String("peer", peerID), zap.Error(err))
			continue
		}
		d.routeEnvelope(peerID, &env)
	}
}

func (d *Dispatcher) routeEnvelope(peerID string, env *Envelope) {
	switch env.Type {
	case Consensus:
		d.handleConsensus(peerID, env.Data)
	case TransactionMsg:
		d.handleTransaction(env.Data)
	case ChainSegmentRequest:
		d.handleChainSegmentRequest(peerID, env.Data)
	case ChainSegmentResponse:
		d.handleChainSegmentResponse(peerID, env.Data)
	case AddressRequest, AddressResponse:
		// Only valid during the handshake, already consumed.
	default:
		d.logger.Debug("dropping message of unknown type", zap.String("peer", peerID), zap.String("type", string(env.Type)))
	}
}

func (d *Dispatcher) handleConsensus(peerID string, raw []byte) {
	var data ConsensusData
	if err := unmarshalJSON(raw, &data); err != nil || data.Message.Value == nil {
		d.logger.Debug("dropping malformed consensus message", zap.String("peer", peerID))
		return
	}
	switch data.Message.Type {
	case Propose:
		d.engine.SubmitProposal(data.Message.Value)
		if peer := d.peers.GetPeer(peerID); peer != nil {
			if payload, err := types.DecodeProposal(data.Message.Value); err == nil {
				peer.SetHasProposal(payload.Block.Epoch, payload.BlockHash)
			}
		}
	case Vote:
		d.engine.SubmitVote(data.Message.Value)
		if peer := d.peers.GetPeer(peerID); peer != nil {
			if payload, err := types.DecodeVote(data.Message.Value); err == nil {
				if info := d.blockPool.GetBlock(payload.BlockHash); info != nil {
					peer.SetHasVote(info.Block.Epoch, data.Message.Value.Address)
				}
			}
		}
	default:
		d.logger.Debug("dropping consensus message of unknown inner type", zap.String("peer", peerID))
	}
}

func (d *Dispatcher) handleTransaction(raw []byte) {
	var data TransactionData
	if err := unmarshalJSON(raw, &data); err != nil {
		d.logger.Debug("dropping malformed transaction message", zap.Error(err))
		return
	}
	if data.Transaction != nil {
		d.engine.SubmitTransaction(data.Transaction)
	}
	for _, tx := range data.TxList {
		d.engine.SubmitTransaction(tx)
	}
}

// handleChainSegmentRequest implements the responder side of spec.md
// section 4.7: up to chain.MaxSegmentLength consecutive blocks right
// after the requester's tip, plus catchUpInfo DAG fragments for the
// pool's current notarized tips.
func (d *Dispatcher) handleChainSegmentRequest(peerID string, raw []byte) {
	var data ChainSegmentRequestData
	if err := unmarshalJSON(raw, &data); err != nil {
		d.logger.Debug("dropping malformed chain segment request", zap.String("peer", peerID), zap.Error(err))
		return
	}
	fromNumber := int64(-1)
	if data.LastBlock != nil {
		fromNumber = data.LastBlock.Number
	}
	segment := d.chainStore.ChainSegment(fromNumber)
	response := ChainSegmentResponseData{
		ChainSegment: segment,
		Number:       d.chainStore.Head().Number,
		CatchUpInfo:  d.catchUpFragments(),
	}
	env, err := NewEnvelope(ChainSegmentResponse, response)
	if err != nil {
		d.logger.Warn("failed to build chain segment response", zap.Error(err))
		return
	}
	d.sendTo(peerID, env)
}

func (d *Dispatcher) catchUpFragments() []*CatchUpBlockInfo {
	var out []*CatchUpBlockInfo
	if d.blockPool == nil {
		return out
	}
	for _, tip := range d.blockPool.LongestNotarizedTips() {
		for _, hash := range d.blockPool.ExtendingChain(tip) {
			info := d.blockPool.GetBlock(hash)
			if info == nil {
				continue
			}
			out = append(out, &CatchUpBlockInfo{Block: info.Block, ProposalTx: info.ProposalTx, Votes: info.Votes})
		}
	}
	return out
}

// handleChainSegmentResponse implements the requester side of
// spec.md section 4.7: validate and apply the segment, then feed
// catchUpInfo through the normal proposal/vote path to restore pool
// state.
func (d *Dispatcher) handleChainSegmentResponse(peerID string, raw []byte) {
	var data ChainSegmentResponseData
	if err := unmarshalJSON(raw, &data); err != nil {
		d.logger.Debug("dropping malformed chain segment response", zap.String("peer", peerID), zap.Error(err))
		return
	}
	if len(data.ChainSegment) > 0 {
		if err := d.engine.ApplyChainSegment(data.ChainSegment); err != nil {
			d.logger.Warn("failed to apply chain segment, will retry next tick", zap.String("peer", peerID), zap.Error(err))
		}
	}
	for _, info := range data.CatchUpInfo {
		if info == nil || info.Block == nil {
			continue
		}
		if info.ProposalTx != nil {
			d.engine.SubmitProposal(info.ProposalTx)
		}
		for _, vote := range info.Votes {
			d.engine.SubmitVote(vote)
		}
	}
}

func (d *Dispatcher) sendTo(peerID string, env *Envelope) {
	d.mu.Lock()
	conn, ok := d.conns[peerID]
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("cannot send to unconnected peer", zap.String("peer", peerID))
		return
	}
	if err := conn.WriteJSON(env); err != nil {
		d.logger.Debug("write failed, disconnecting peer", zap.String("peer", peerID), zap.Error(err))
		d.Disconnect(peerID)
	}
}

func (d *Dispatcher) broadcast(env *Envelope) {
	d.mu.Lock()
	targets := make(map[string]Conn, len(d.conns))
	for id, c := range d.conns {
		targets[id] = c
	}
	d.mu.Unlock()
	for id, conn := range targets {
		if err := conn.WriteJSON(env); err != nil {
			d.logger.Debug("broadcast write failed, disconnecting peer", zap.String("peer", id), zap.Error(err))
			d.Disconnect(id)
		}
	}
}

// BroadcastConsensus implements consensus.Broadcaster: tx is a
// PROPOSE if it decodes as a proposal, otherwise a VOTE, matching
// spec.md section 3's framing of both as plain transactions.
func (d *Dispatcher) BroadcastConsensus(tx *types.Transaction) {
	msgType := Vote
	if _, err := types.DecodeProposal(tx); err == nil {
		msgType = Propose
	}
	env, err := NewEnvelope(Consensus, ConsensusData{Message: ConsensusMessage{
		Type:              msgType,
		Value:             tx,
		ConsensusProtoVer: ConsensusProtocolVersion,
	}})
	if err != nil {
		d.logger.Warn("failed to build consensus envelope", zap.Error(err))
		return
	}
	d.broadcast(env)
}

// BroadcastTransaction implements consensus.Broadcaster.
func (d *Dispatcher) BroadcastTransaction(tx *types.Transaction) {
	env, err := NewEnvelope(TransactionMsg, TransactionData{Transaction: tx})
	if err != nil {
		d.logger.Warn("failed to build transaction envelope", zap.Error(err))
		return
	}
	d.broadcast(env)
}

// RequestChainSegment implements consensus.Broadcaster: sent to every
// handshaken (outbound-capable) peer, matching spec.md section 4.7.
func (d *Dispatcher) RequestChainSegment(lastBlock *types.Block) {
	env, err := NewEnvelope(ChainSegmentRequest, ChainSegmentRequestData{LastBlock: lastBlock})
	if err != nil {
		d.logger.Warn("failed to build chain segment request", zap.Error(err))
		return
	}
	d.broadcast(env)
}

// Peers returns the dispatcher's peer set, for status/metrics
// collaborators outside this package's scope (spec.md section 1).
func (d *Dispatcher) Peers() *PeerSet { return d.peers }
