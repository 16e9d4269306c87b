package wal

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/bondberry/types"
)

func makeTestOperation(id string) *types.Operation {
	return &types.Operation{
		ID:                 id,
		Type:               "store_" + id,
		Initiator:          "alice",
		Timestamp:          1000,
		Data:               []byte(id),
		RequiredSignatures: 1,
	}
}

func startTestWAL(t *testing.T, dir string, segSize int64) *FileWAL {
	t.Helper()
	w, err := NewFileWALWithOptions(dir, Options{MaxSegmentSize: segSize})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	return w
}

func readAll(t *testing.T, r Reader) []*Record {
	t.Helper()
	var out []*Record
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
	require.NoError(t, r.Close())
	return out
}

func TestFileWALBasic(t *testing.T) {
	dir := t.TempDir()
	w := startTestWAL(t, dir, 0)

	rec, err := NewCommitRecord(0, 1, makeTestOperation("op1"))
	require.NoError(t, err)
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Write(NewViewChangeRecord(1, 1)))
	require.NoError(t, w.Stop())

	_, err = os.Stat(filepath.Join(dir, "wal-00000"))
	require.NoError(t, err, "segment file should exist")

	assert.ErrorIs(t, w.Write(rec), ErrWALClosed)
}

func TestFileWALRejectsUnknownRecord(t *testing.T) {
	w := startTestWAL(t, t.TempDir(), 0)
	defer w.Stop()

	assert.ErrorIs(t, w.Write(&Record{Sequence: 1}), ErrInvalidRecord)
	assert.ErrorIs(t, w.Write(nil), ErrInvalidRecord)
}

func TestFileWALReadWrite(t *testing.T) {
	dir := t.TempDir()
	w := startTestWAL(t, dir, 0)

	op := makeTestOperation("op1")
	commit, err := NewCommitRecord(0, 1, op)
	require.NoError(t, err)
	require.NoError(t, w.WriteSync(commit))
	require.NoError(t, w.WriteSync(NewViewChangeRecord(1, 1)))
	require.NoError(t, w.WriteSync(NewCheckpointRecord(1, 1, []byte("cp"))))
	require.NoError(t, w.Stop())

	r, err := OpenWALForReading(dir)
	require.NoError(t, err)
	recs := readAll(t, r)
	require.Len(t, recs, 3)

	assert.Equal(t, RecordTypeCommit, recs[0].Type)
	c, err := DecodeCommit(recs[0])
	require.NoError(t, err)
	assert.Equal(t, "op1", c.OperationID)
	assert.True(t, types.HashEqual(op.Digest(), c.Digest))

	assert.Equal(t, RecordTypeViewChange, recs[1].Type)
	assert.Equal(t, uint64(1), recs[1].View)

	assert.Equal(t, RecordTypeCheckpoint, recs[2].Type)
	assert.Equal(t, []byte("cp"), recs[2].Data)

	_, err = DecodeCommit(recs[1])
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestFileWALReopenAppends(t *testing.T) {
	dir := t.TempDir()

	w := startTestWAL(t, dir, 0)
	require.NoError(t, w.WriteSync(NewViewChangeRecord(1, 0)))
	require.NoError(t, w.Stop())

	w = startTestWAL(t, dir, 0)
	require.NoError(t, w.WriteSync(NewViewChangeRecord(2, 0)))
	require.NoError(t, w.Stop())

	r, err := OpenWALForReading(dir)
	require.NoError(t, err)
	recs := readAll(t, r)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(2), recs[1].View)
}

func TestFileWALRotationAndCheckpoint(t *testing.T) {
	dir := t.TempDir()
	// Tiny segments force a rotation on nearly every write
	w := startTestWAL(t, dir, 32)
	defer w.Stop()

	for seq := uint64(1); seq <= 10; seq++ {
		rec, err := NewCommitRecord(0, seq, makeTestOperation("op"))
		require.NoError(t, err)
		require.NoError(t, w.WriteSync(rec))
	}
	before := w.SegmentCount()
	require.Greater(t, before, 5)

	require.NoError(t, w.WriteSync(NewCheckpointRecord(0, 10, []byte("cp"))))
	require.NoError(t, w.Checkpoint(10))

	assert.Equal(t, 1, w.SegmentCount(), "only the segment holding the checkpoint remains")

	reader, err := w.NewReader()
	require.NoError(t, err)
	recs := readAll(t, reader)
	require.Len(t, recs, 1)
	assert.Equal(t, RecordTypeCheckpoint, recs[0].Type)
	assert.Equal(t, uint64(10), recs[0].Sequence)
}

func TestFileWALCheckpointKeepsLaterRecords(t *testing.T) {
	dir := t.TempDir()
	w := startTestWAL(t, dir, 32)
	defer w.Stop()

	for seq := uint64(1); seq <= 4; seq++ {
		rec, err := NewCommitRecord(0, seq, makeTestOperation("op"))
		require.NoError(t, err)
		require.NoError(t, w.WriteSync(rec))
	}
	require.NoError(t, w.Checkpoint(2))

	r, err := OpenWALForReading(dir)
	require.NoError(t, err)
	recs := readAll(t, r)
	require.NotEmpty(t, recs)
	assert.Equal(t, uint64(4), recs[len(recs)-1].Sequence)
	assert.LessOrEqual(t, recs[0].Sequence, uint64(3))
}

func TestFileWALNewReaderSeesBufferedWrites(t *testing.T) {
	dir := t.TempDir()
	w := startTestWAL(t, dir, 0)
	defer w.Stop()

	require.NoError(t, w.Write(NewCheckpointRecord(0, 3, []byte("cp3"))))
	rec, err := NewCommitRecord(0, 4, makeTestOperation("op4"))
	require.NoError(t, err)
	require.NoError(t, w.Write(rec))

	reader, err := w.NewReader()
	require.NoError(t, err)
	recs := readAll(t, reader)
	require.Len(t, recs, 2)
	assert.Equal(t, RecordTypeCheckpoint, recs[0].Type)
	assert.Equal(t, uint64(4), recs[1].Sequence)
}

func TestFileWALCorruptedTail(t *testing.T) {
	dir := t.TempDir()
	w := startTestWAL(t, dir, 0)
	require.NoError(t, w.WriteSync(NewViewChangeRecord(1, 0)))
	require.NoError(t, w.WriteSync(NewViewChangeRecord(2, 0)))
	require.NoError(t, w.Stop())

	path := filepath.Join(dir, "wal-00000")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	t.Run("bit flip", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[len(bad)-6] ^= 0xff
		require.NoError(t, os.WriteFile(path, bad, 0600))

		r, err := OpenWALForReading(dir)
		require.NoError(t, err)
		defer r.Close()

		_, err = r.Read()
		require.NoError(t, err)
		_, err = r.Read()
		assert.True(t, errors.Is(err, ErrWALCorrupted))
	})

	t.Run("torn frame", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0600))

		r, err := OpenWALForReading(dir)
		require.NoError(t, err)
		defer r.Close()

		_, err = r.Read()
		require.NoError(t, err)
		_, err = r.Read()
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestFileWALStartRepairsTornTail(t *testing.T) {
	dir := t.TempDir()
	w := startTestWAL(t, dir, 0)
	require.NoError(t, w.WriteSync(NewViewChangeRecord(1, 0)))
	require.NoError(t, w.WriteSync(NewViewChangeRecord(2, 0)))
	require.NoError(t, w.Stop())

	path := filepath.Join(dir, "wal-00000")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0600))

	w = startTestWAL(t, dir, 0)
	require.NoError(t, w.WriteSync(NewViewChangeRecord(3, 0)))
	require.NoError(t, w.Stop())

	r, err := OpenWALForReading(dir)
	require.NoError(t, err)
	recs := readAll(t, r)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(1), recs[0].View)
	assert.Equal(t, uint64(3), recs[1].View)
}

func TestOpenWALForReadingEmpty(t *testing.T) {
	_, err := OpenWALForReading(t.TempDir())
	assert.ErrorIs(t, err, ErrWALNotFound)
}

func TestNopWAL(t *testing.T) {
	var w WAL = &NopWAL{}
	require.NoError(t, w.Start())
	require.NoError(t, w.WriteSync(NewViewChangeRecord(1, 1)))
	r, err := w.NewReader()
	require.NoError(t, err)
	assert.Empty(t, readAll(t, r))
	require.NoError(t, w.Stop())
}
