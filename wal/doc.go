// Package wal implements a write-ahead log for consensus crash recovery.
//
// The write-ahead log (WAL) persists consensus events before the block or
// state changes they describe are considered final. The consensus engine
// in this module only writes the log; nothing in it reads the log back or
// replays it after a restart.
//
// # Core Interface
//
// WAL defines the interface for writing consensus messages:
//
//	type WAL interface {
//	    Write(msg *Message) error
//	    WriteSync(msg *Message) error
//	    FlushAndSync() error
//	    SearchForEndHeight(height int64) (Reader, bool, error)
//	    Start() error
//	    Stop() error
//	    Group() *Group
//	}
//
// # Implementation
//
// FileWAL: Disk-based WAL using length-prefixed messages with CRC32 checksums.
// Messages are buffered for performance and fsync'd on critical operations.
//
// # Message Types
//
//	- MsgTypeProposal: a proposal transaction received or produced at a height
//	- MsgTypeVote: a vote transaction received or admitted at a height
//	- MsgTypeFinalize: a block reaching the three-chain finalization rule
//	- MsgTypeEndHeight: marks that a height has nothing further to record
//
// # File Format
//
// Each entry is encoded as:
//
//	[4 bytes: body length][1 byte: type][8 bytes: height][N bytes: JSON-encoded payload][4 bytes: CRC32]
//
// Type and height sit outside the JSON payload so a segment can be
// scanned for its EndHeight boundaries (buildIndex, canDeleteSegment)
// without unmarshaling every entry's payload -- only Read and
// SearchForEndHeight's match, which need the payload itself, pay for
// the JSON decode.
//
// # Rotation and Cleanup
//
// Segments are rotated once the current one crosses NewFileWALWithOptions'
// maxSegSize, named wal-00000, wal-00001, and so on. Checkpoint deletes
// whole segments once every height they contain is at or below the
// checkpoint height; the current segment is never deleted.
//
// # Reading the Log Back
//
// OpenWALForReading reads every segment in order, checking each
// record's CRC32, and SearchForEndHeight positions a reader after a
// height's EndHeight marker. Feeding the messages back into a
// consensus engine is left to the caller; no such replay exists here.
//
// # Thread Safety
//
// FileWAL uses internal locking to ensure thread-safe writes from multiple
// goroutines. However, only one WAL instance should write to a directory.
//
// # Performance Considerations
//
// Regular Write() calls are buffered for throughput.
// WriteSync() forces an fsync for critical safety (e.g., before signing votes).
// Balance durability vs performance based on your consistency requirements.
//
// # Usage Example
//
//	// Create a new file-based WAL
//	w, err := wal.NewFileWAL("./data/wal")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
//	// Write a proposal (buffered)
//	msg, err := wal.NewProposalMessage(height, proposalTx)
//	err = w.Write(msg)
//
//	// Write a critical vote (synced)
//	msg, err = wal.NewVoteMessage(height, voteTx)
//	err = w.WriteSync(msg)
//
//	// Replay WAL after crash
//	reader, err := wal.OpenWALForReading("./data/wal")
//	for {
//	    msg, err := reader.Read()
//	    if err == io.EOF {
//	        break
//	    }
//	    // dispatch on msg.Type, decode msg.Data with DecodeProposal/DecodeVote/DecodeFinalize
//	}
package wal
