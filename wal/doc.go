// Package wal implements the write-ahead log used to recover consensus state
// after a crash.
//
// An engine journals every commit and view change as it happens and a
// checkpoint record whenever it checkpoints. On restart the log is replayed:
// the latest checkpoint resets view, sequence and the committed log, then
// later commit and view-change records are applied on top.
//
// # Record Types
//
//	- RecordTypeCommit: an operation committed at a sequence
//	- RecordTypeViewChange: the engine moved to a new view
//	- RecordTypeCheckpoint: an encoded engine checkpoint
//
// # File Format
//
// FileWAL writes numbered segments (wal-00000, wal-00001, ...). Each record
// is framed as:
//
//	[4 bytes length][CBOR record][4 bytes CRC32]
//
// A segment is rotated once it reaches MaxSegmentSize. A CRC mismatch or a
// torn frame stops reading; replay treats it as the end of the log.
//
// # Pruning
//
// Checkpoint(seq) deletes leading segments whose records are all at or
// below seq. The segment being written is never deleted, so the newest
// checkpoint record always survives.
//
// # Durability
//
// Write is buffered. WriteSync and FlushAndSync fsync the current segment.
// Engines use WriteSync for commits and checkpoints.
package wal
