package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cshcomcom/ain-blockchain/types"
)

// MessageType is the tagged variant over the six wire messages of
// spec.md section 6. Parsed once from the envelope, then dispatched
// by match -- spec.md section 9's "dynamic dispatch is a tagged
// variant" design note.
type MessageType string

const (
	AddressRequest      MessageType = "ADDRESS_REQUEST"
	AddressResponse     MessageType = "ADDRESS_RESPONSE"
	Consensus           MessageType = "CONSENSUS"
	TransactionMsg       MessageType = "TRANSACTION"
	ChainSegmentRequest  MessageType = "CHAIN_SEGMENT_REQUEST"
	ChainSegmentResponse MessageType = "CHAIN_SEGMENT_RESPONSE"
)

// ConsensusMessageType is the inner message kind of a CONSENSUS
// envelope, matching spec.md section 6.
type ConsensusMessageType string

const (
	Propose ConsensusMessageType = "PROPOSE"
	Vote    ConsensusMessageType = "VOTE"
)

// ProtocolVersion is this node's dataProtoVer, matching spec.md
// section 6's envelope field. Semver major.minor.patch; only the
// major component gates compatibility.
const ProtocolVersion = "1.0.0"

// ConsensusProtocolVersion is the inner consensusProtoVer carried by
// CONSENSUS messages.
const ConsensusProtocolVersion = "1.0.0"

var (
	ErrUnparsableVersion  = errors.New("unparsable protocol version")
	ErrVersionMajorMismatch = errors.New("protocol version major mismatch")
	ErrTimestampOutOfWindow = errors.New("timestamp outside acceptance window")
	ErrUnknownMessageType   = errors.New("unknown message type")
)

// Envelope is the common wire frame of spec.md section 6.
type Envelope struct {
	Type        MessageType     `json:"type"`
	DataProtoVer string          `json:"dataProtoVer"`
	Timestamp   int64           `json:"timestamp"`
	Data        json.RawMessage `json:"data"`
}

// HandshakeBody is the signed body of ADDRESS_REQUEST/ADDRESS_RESPONSE.
// PublicKey is carried alongside the claimed Address because ed25519
// signatures do not support public-key recovery; types.Recover verifies
// the signature against the supplied key and checks it derives the
// claimed address, matching spec.md section 6's "recipient verifies
// signature recovers address".
type HandshakeBody struct {
	Address   types.AccountName `json:"address"`
	PublicKey types.PublicKey   `json:"publicKey"`
	Timestamp int64             `json:"timestamp"`
}

// HandshakeData is the data payload of ADDRESS_REQUEST/ADDRESS_RESPONSE.
type HandshakeData struct {
	Body      HandshakeBody  `json:"body"`
	Signature types.Signature `json:"signature"`
}

// ConsensusData is the data payload of a CONSENSUS envelope.
type ConsensusData struct {
	Message ConsensusMessage `json:"message"`
}

// ConsensusMessage is the inner PROPOSE/VOTE tagged value.
type ConsensusMessage struct {
	Type              ConsensusMessageType `json:"type"`
	Value             *types.Transaction   `json:"value"`
	ConsensusProtoVer string               `json:"consensusProtoVer"`
}

// TransactionData is the data payload of a TRANSACTION envelope. Only
// one of Transaction or TxList is populated, matching spec.md
// section 6's "tx or {tx_list:[tx,...]}" framing.
type TransactionData struct {
	Transaction *types.Transaction  `json:"transaction,omitempty"`
	TxList      []*types.Transaction `json:"txList,omitempty"`
}

// ChainSegmentRequestData is the data payload of a
// CHAIN_SEGMENT_REQUEST envelope.
type ChainSegmentRequestData struct {
	LastBlock *types.Block `json:"lastBlock"`
}

// CatchUpBlockInfo is the wire-safe projection of a blockpool.BlockInfo
// fragment exchanged during catch-up, matching spec.md section 4.7's
// "catchUpInfo payload ... full BlockInfo DAG fragments".
type CatchUpBlockInfo struct {
	Block      *types.Block        `json:"block"`
	ProposalTx *types.Transaction  `json:"proposalTx,omitempty"`
	Votes      []*types.Transaction `json:"votes,omitempty"`
}

// ChainSegmentResponseData is the data payload of a
// CHAIN_SEGMENT_RESPONSE envelope.
type ChainSegmentResponseData struct {
	ChainSegment []*types.Block      `json:"chainSegment"`
	Number       int64               `json:"number"`
	CatchUpInfo  []*CatchUpBlockInfo `json:"catchUpInfo,omitempty"`
}

// NewEnvelope marshals data and wraps it in an Envelope stamped with
// this node's protocol version and the current time.
func NewEnvelope(t MessageType, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:         t,
		DataProtoVer: ProtocolVersion,
		Timestamp:    nowMillis(),
		Data:         raw,
	}, nil
}

func nowMillis() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

// majorVersion extracts the leading dot-separated component of a
// semver string.
func majorVersion(v string) (int, error) {
	parts := strings.SplitN(v, ".", 2)
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnparsableVersion, v)
	}
	return n, nil
}

// CheckVersion implements spec.md section 6's version gating:
// dataProtoVer absent, unparsable, or of a different major than
// ours is rejected.
func CheckVersion(dataProtoVer string) error {
	if dataProtoVer == "" {
		return fmt.Errorf("%w: empty dataProtoVer", ErrUnparsableVersion)
	}
	theirs, err := majorVersion(dataProtoVer)
	if err != nil {
		return err
	}
	ours, err := majorVersion(ProtocolVersion)
	if err != nil {
		return err
	}
	if theirs != ours {
		return fmt.Errorf("%w: peer=%s local=%s", ErrVersionMajorMismatch, dataProtoVer, ProtocolVersion)
	}
	return nil
}

// CheckTimestamp implements spec.md section 6's acceptance window:
// a message whose timestamp drifts from now by more than window is
// dropped as stale.
func CheckTimestamp(timestamp int64, window time.Duration, now time.Time) error {
	drift := now.UnixNano()/int64(time.Millisecond) - timestamp
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Millisecond > window {
		return fmt.Errorf("%w: drift=%dms window=%s", ErrTimestampOutOfWindow, drift, window)
	}
	return nil
}
