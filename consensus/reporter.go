package consensus

import "github.com/cshcomcom/ain-blockchain/types"

// Reporter is the sharding-report collaborator of spec.md section 6:
// on finalization the engine may hand it a block's state proof hash
// to forward to a parent chain. No JSON-RPC client of this shape
// exists anywhere in the retrieval pack this module was grounded on,
// so the default implementation is a no-op and a
// real deployment wires in its own client behind this interface.
type Reporter interface {
	ReportStateProofHash(blockNumber int64, proofHash types.Hash) error
}

// NopReporter discards every report. It is the default Reporter for
// deployments that are not shard children of a parent chain.
type NopReporter struct{}

func (NopReporter) ReportStateProofHash(int64, types.Hash) error { return nil }

// Broadcaster is the transport collaborator consensus hands signed
// messages to for network delivery, matching spec.md section 6's
// Transport collaborator (broadcast/send/request_chain_segment).
type Broadcaster interface {
	BroadcastConsensus(tx *types.Transaction)
	BroadcastTransaction(tx *types.Transaction)
	RequestChainSegment(lastBlock *types.Block)
}

// NopBroadcaster discards every outbound message. Useful for a
// single-node network and in tests that only exercise local state
// transitions.
type NopBroadcaster struct{}

func (NopBroadcaster) BroadcastConsensus(*types.Transaction)   {}
func (NopBroadcaster) BroadcastTransaction(*types.Transaction) {}
func (NopBroadcaster) RequestChainSegment(*types.Block)        {}
