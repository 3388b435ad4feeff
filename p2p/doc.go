// Package p2p is the PeerDispatcher of spec.md section 4.7 / the
// Transport collaborator of section 6: framed JSON messages over a
// duplex, WebSocket-backed channel, signed handshakes, protocol
// version gating, and routing of the six wire message kinds to the
// consensus engine. Grounded on the teacher's engine/peer_state.go
// (peer bookkeeping) and engine/blocksync.go (request/response
// plumbing), generalized from round-state to epoch-state tracking.
package p2p
