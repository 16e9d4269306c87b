package wal

import (
	"errors"
	"fmt"
	"io"

	"github.com/blockberries/bondberry/types"
)

// Errors
var (
	ErrWALClosed       = errors.New("WAL is closed")
	ErrWALCorrupted    = errors.New("WAL is corrupted")
	ErrWALNotFound     = errors.New("WAL file not found")
	ErrInvalidRecord   = errors.New("invalid WAL record")
	ErrInvalidSequence = errors.New("invalid sequence in WAL")
)

// RecordType identifies the type of WAL record
type RecordType uint8

const (
	RecordTypeUnknown RecordType = iota
	RecordTypeCommit
	RecordTypeViewChange
	RecordTypeCheckpoint
)

// String implements fmt.Stringer
func (t RecordType) String() string {
	switch t {
	case RecordTypeCommit:
		return "commit"
	case RecordTypeViewChange:
		return "view_change"
	case RecordTypeCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Record is one journaled consensus event
type Record struct {
	Type     RecordType `cbor:"1,keyasint"`
	View     uint64     `cbor:"2,keyasint"`
	Sequence uint64     `cbor:"3,keyasint"`
	Data     []byte     `cbor:"4,keyasint,omitempty"`
}

// CommitData is the payload of a commit record
type CommitData struct {
	OperationID string     `cbor:"1,keyasint"`
	Type        string     `cbor:"2,keyasint"`
	Digest      types.Hash `cbor:"3,keyasint"`
}

// WAL journals consensus records for crash recovery
type WAL interface {
	// Write writes a record to the WAL
	Write(rec *Record) error

	// WriteSync writes a record and ensures it's synced to disk
	WriteSync(rec *Record) error

	// FlushAndSync flushes and syncs all pending writes
	FlushAndSync() error

	// NewReader returns a reader over all live records, oldest first
	NewReader() (Reader, error)

	// Checkpoint deletes segments made obsolete by a checkpoint at seq
	Checkpoint(seq uint64) error

	// Start starts the WAL
	Start() error

	// Stop stops the WAL
	Stop() error
}

// Reader reads records from a WAL
type Reader interface {
	// Read reads the next record, returning io.EOF at the end
	Read() (*Record, error)

	// Close closes the reader
	Close() error
}

// segmentRange is the span of live segment indexes of a FileWAL
type segmentRange struct {
	minIndex int
	maxIndex int
}

// NewCommitRecord creates a record for a committed operation
func NewCommitRecord(view, seq uint64, op *types.Operation) (*Record, error) {
	data, err := types.Marshal(&CommitData{
		OperationID: op.ID,
		Type:        op.Type,
		Digest:      op.Digest(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode commit: %w", err)
	}
	return &Record{
		Type:     RecordTypeCommit,
		View:     view,
		Sequence: seq,
		Data:     data,
	}, nil
}

// NewViewChangeRecord creates a record for a view change
func NewViewChangeRecord(view, seq uint64) *Record {
	return &Record{
		Type:     RecordTypeViewChange,
		View:     view,
		Sequence: seq,
	}
}

// NewCheckpointRecord creates a record holding an encoded checkpoint
func NewCheckpointRecord(view, seq uint64, checkpoint []byte) *Record {
	return &Record{
		Type:     RecordTypeCheckpoint,
		View:     view,
		Sequence: seq,
		Data:     checkpoint,
	}
}

// DecodeCommit decodes the payload of a commit record
func DecodeCommit(rec *Record) (*CommitData, error) {
	if rec.Type != RecordTypeCommit {
		return nil, fmt.Errorf("%w: %s is not a commit", ErrInvalidRecord, rec.Type)
	}
	c := &CommitData{}
	if err := types.Unmarshal(rec.Data, c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return c, nil
}

// NopWAL is a no-op WAL implementation for testing
type NopWAL struct{}

func (w *NopWAL) Write(rec *Record) error     { return nil }
func (w *NopWAL) WriteSync(rec *Record) error { return nil }
func (w *NopWAL) FlushAndSync() error         { return nil }
func (w *NopWAL) NewReader() (Reader, error)  { return &NopReader{}, nil }
func (w *NopWAL) Checkpoint(seq uint64) error { return nil }
func (w *NopWAL) Start() error                { return nil }
func (w *NopWAL) Stop() error                 { return nil }

// Ensure NopWAL implements WAL
var _ WAL = (*NopWAL)(nil)

// NopReader is a no-op reader
type NopReader struct{}

func (r *NopReader) Read() (*Record, error) { return nil, io.EOF }
func (r *NopReader) Close() error           { return nil }

var _ Reader = (*NopReader)(nil)
