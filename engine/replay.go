package engine

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/blockberries/bondberry/types"
	"github.com/blockberries/bondberry/wal"
)

// WALReplayResult contains the result of a WAL replay
type WALReplayResult struct {
	// Position recovered to
	View     uint64
	Sequence uint64

	// Number of records applied
	RecordsReplayed int
	Commits         int
	ViewChanges     int

	// Whether a checkpoint record was found
	FromCheckpoint bool

	// Set when replay stopped at a torn or corrupted tail
	Truncated bool
}

// replayWAL restores view, sequence and the committed log from the WAL.
// The newest checkpoint resets state. Commits above the current sequence
// and higher views are then applied on top. Caller holds e.mu.
func (e *Engine) replayWAL() (*WALReplayResult, error) {
	reader, err := e.wal.NewReader()
	if err != nil {
		if errors.Is(err, wal.ErrWALNotFound) {
			return &WALReplayResult{}, nil
		}
		return nil, err
	}
	defer reader.Close()

	result := &WALReplayResult{}
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, wal.ErrWALCorrupted) || errors.Is(err, io.ErrUnexpectedEOF) {
				// A torn tail is the expected result of a crash mid-write
				e.logger.Warn("WAL tail unreadable, stopping replay",
					zap.Int("records", result.RecordsReplayed),
					zap.Error(err))
				result.Truncated = true
				break
			}
			return nil, err
		}

		if err := e.applyRecord(rec, result); err != nil {
			return nil, fmt.Errorf("record %d (%s): %w", result.RecordsReplayed, rec.Type, err)
		}
		result.RecordsReplayed++
	}

	result.View = e.state.CurrentView
	result.Sequence = e.state.CurrentSequence
	return result, nil
}

func (e *Engine) applyRecord(rec *wal.Record, result *WALReplayResult) error {
	switch rec.Type {
	case wal.RecordTypeCheckpoint:
		cp, err := DecodeCheckpoint(rec.Data)
		if err != nil {
			return err
		}
		e.state.applyCheckpoint(cp)
		result.FromCheckpoint = true

	case wal.RecordTypeCommit:
		c, err := wal.DecodeCommit(rec)
		if err != nil {
			return err
		}
		if rec.Sequence <= e.state.CurrentSequence {
			return nil
		}
		e.state.CommittedOperations = append(e.state.CommittedOperations, c.OperationID)
		e.state.CurrentSequence = rec.Sequence
		if rec.View > e.state.CurrentView {
			e.state.CurrentView = rec.View
		}
		result.Commits++

	case wal.RecordTypeViewChange:
		if rec.View > e.state.CurrentView {
			e.state.CurrentView = rec.View
		}
		result.ViewChanges++

	default:
		return fmt.Errorf("%w: %s", wal.ErrInvalidRecord, rec.Type)
	}
	return nil
}

// CreateCheckpoint captures view, sequence, the committed log and the
// active set, journals it and prunes the WAL behind it. Pending operations
// are not included.
func (e *Engine) CreateCheckpoint() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	cp := e.state.checkpoint(now)
	data, err := types.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if err := e.wal.WriteSync(wal.NewCheckpointRecord(cp.View, cp.Sequence, data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWALWrite, err)
	}
	if err := e.wal.Checkpoint(cp.Sequence); err != nil {
		e.logger.Warn("failed to prune WAL", zap.Uint64("sequence", cp.Sequence), zap.Error(err))
	}
	e.state.LastCheckpoint = now

	e.logger.Info("created checkpoint",
		zap.Uint64("view", cp.View),
		zap.Uint64("sequence", cp.Sequence),
		zap.Int("committed", len(cp.Committed)))
	return data, nil
}

// ExportCheckpoint encodes the current checkpoint without journaling it.
// Used to serve lagging peers.
func (e *Engine) ExportCheckpoint() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return types.Marshal(e.state.checkpoint(time.Now()))
}

// RestoreCheckpoint applies a checkpoint from CreateCheckpoint. Checkpoints
// behind the current position are refused with ErrStaleCheckpoint. Pending
// operations are timed out.
func (e *Engine) RestoreCheckpoint(data []byte) error {
	cp, err := DecodeCheckpoint(data)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if cp.Sequence < e.state.CurrentSequence ||
		(cp.Sequence == e.state.CurrentSequence && cp.View < e.state.CurrentView) {
		return fmt.Errorf("%w: checkpoint at view=%d seq=%d, local view=%d seq=%d",
			ErrStaleCheckpoint, cp.View, cp.Sequence, e.state.CurrentView, e.state.CurrentSequence)
	}

	for id := range e.state.PendingOperations {
		e.finishLocked(id, types.OperationTimedOut)
	}
	e.state.applyCheckpoint(cp)

	if err := e.wal.WriteSync(wal.NewCheckpointRecord(cp.View, cp.Sequence, data)); err != nil {
		e.logger.Warn("failed to journal restored checkpoint", zap.Error(err))
	}
	e.metrics.SetMembership(e.config.Domain, e.state.ActiveNodes.Len(), e.state.ByzantineNodes.Len())

	e.logger.Info("restored checkpoint",
		zap.Uint64("view", cp.View),
		zap.Uint64("sequence", cp.Sequence),
		zap.Int("committed", len(cp.Committed)))
	return nil
}
