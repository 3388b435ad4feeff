package p2p

import "errors"

var (
	ErrHandshakeSignatureInvalid = errors.New("handshake signature does not recover to claimed address")
	ErrHandshakeTimeout          = errors.New("handshake timed out")
	ErrAlreadyConnected          = errors.New("peer already connected")
	ErrPeerNotConnected          = errors.New("peer not connected")
)
