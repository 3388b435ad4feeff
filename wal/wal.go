package wal

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/cshcomcom/ain-blockchain/types"
)

// Errors
var (
	ErrWALClosed    = errors.New("WAL is closed")
	ErrWALCorrupted = errors.New("WAL is corrupted")
	ErrWALNotFound  = errors.New("WAL file not found")
)

// MessageType identifies the kind of consensus event a WAL entry
// records. Generalized from the teacher's round-based WalmsgType
// (which distinguished proposal/prevote/precommit/timeout/state) down
// to the epoch model's four durable events: a block was proposed, a
// vote was cast or admitted, a block was finalized, and an epoch ended
// with nothing further to record.
type MessageType int32

const (
	MsgTypeUnknown MessageType = iota
	MsgTypeProposal
	MsgTypeVote
	MsgTypeFinalize
	MsgTypeEndHeight
)

// Message is one WAL entry. Type and Height are framed directly into
// the WAL's on-disk record header by the encoder/decoder in
// file_wal.go; Data carries the JSON-encoded transaction or block the
// message records.
type Message struct {
	Type   MessageType
	Height int64
	Data   []byte
}

// WAL is the write-ahead log interface for logging consensus events
// before they are considered durable.
type WAL interface {
	// Write writes a message to the WAL
	Write(msg *Message) error

	// WriteSync writes a message and ensures it's synced to disk
	WriteSync(msg *Message) error

	// FlushAndSync flushes and syncs all pending writes
	FlushAndSync() error

	// SearchForEndHeight searches for the end of a height in the WAL.
	// Returns a Reader positioned after the EndHeight message, or false if not found
	SearchForEndHeight(height int64) (Reader, bool, error)

	// Start starts the WAL
	Start() error

	// Stop stops the WAL
	Stop() error

	// Group returns the current WAL group (for rotation)
	Group() *Group
}

// Reader interface for reading from WAL
type Reader interface {
	// Read reads the next message from the WAL
	Read() (*Message, error)

	// Close closes the reader
	Close() error
}

// Group represents a group of WAL files (for rotation)
type Group struct {
	Dir      string
	Prefix   string
	MaxSize  int64
	MinIndex int
	MaxIndex int
}

// NewProposalMessage builds a WAL entry recording a proposal
// transaction received or produced at the given block height.
func NewProposalMessage(height int64, tx *types.Transaction) (*Message, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeProposal, Height: height, Data: data}, nil
}

// NewVoteMessage builds a WAL entry recording a vote transaction
// received or produced at the given block height.
func NewVoteMessage(height int64, tx *types.Transaction) (*Message, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeVote, Height: height, Data: data}, nil
}

// NewFinalizeMessage builds a WAL entry recording a finalized block,
// the epoch-model replacement for the teacher's commit message.
func NewFinalizeMessage(block *types.Block) (*Message, error) {
	data, err := json.Marshal(block)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeFinalize, Height: block.Number, Data: data}, nil
}

// NewEndHeightMessage creates a WAL message marking end of height.
func NewEndHeightMessage(height int64) *Message {
	return &Message{Type: MsgTypeEndHeight, Height: height}
}

// DecodeProposal decodes a proposal transaction from WAL message data.
func DecodeProposal(data []byte) (*types.Transaction, error) {
	tx := &types.Transaction{}
	if err := json.Unmarshal(data, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// DecodeVote decodes a vote transaction from WAL message data.
func DecodeVote(data []byte) (*types.Transaction, error) {
	tx := &types.Transaction{}
	if err := json.Unmarshal(data, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// DecodeFinalize decodes a finalized block from WAL message data.
func DecodeFinalize(data []byte) (*types.Block, error) {
	block := &types.Block{}
	if err := json.Unmarshal(data, block); err != nil {
		return nil, err
	}
	return block, nil
}

// NopWAL is a no-op WAL implementation, the default for a node that
// doesn't want crash-replay durability (e.g. a non-validating
// observer or a unit test).
type NopWAL struct{}

func (w *NopWAL) Write(msg *Message) error                              { return nil }
func (w *NopWAL) WriteSync(msg *Message) error                          { return nil }
func (w *NopWAL) FlushAndSync() error                                   { return nil }
func (w *NopWAL) SearchForEndHeight(height int64) (Reader, bool, error) { return nil, false, nil }
func (w *NopWAL) Start() error                                          { return nil }
func (w *NopWAL) Stop() error                                           { return nil }
func (w *NopWAL) Group() *Group                                         { return nil }

// Ensure NopWAL implements WAL
var _ WAL = (*NopWAL)(nil)

// NopReader is a no-op reader
type NopReader struct{}

func (r *NopReader) Read() (*Message, error) { return nil, io.EOF }
func (r *NopReader) Close() error            { return nil }

var _ Reader = (*NopReader)(nil)
