package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/blockberries/bondberry/types"
)

const (
	walFilePerm       = 0600
	walDirPerm        = 0700
	maxRecordSize     = 10 * 1024 * 1024 // 10MB
	defaultBufSize    = 64 * 1024
	defaultMaxSegSize = 16 * 1024 * 1024

	defaultPoolBufSize = 4096

	segmentPrefix = "wal"
)

// Buffers are reused for reading record data, then copied for decoding
var decoderPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 0, defaultPoolBufSize)
		return &buf
	},
}

// Options configures a FileWAL
type Options struct {
	// MaxSegmentSize triggers rotation once the current segment reaches it
	MaxSegmentSize int64
	Logger         *zap.Logger
}

// FileWAL is a segmented, CRC-framed file WAL. Each frame is a 4-byte
// big-endian length, the CBOR record, and a 4-byte CRC32 of the record.
type FileWAL struct {
	mu     sync.Mutex
	dir    string
	file   *os.File
	buf    *bufio.Writer
	enc    *encoder
	logger *zap.Logger

	group        *segmentRange
	started      bool
	segmentIndex int
	segmentSize  int64
	maxSegSize   int64
}

// NewFileWAL creates a new file-based WAL in dir
func NewFileWAL(dir string) (*FileWAL, error) {
	return NewFileWALWithOptions(dir, Options{})
}

// NewFileWALWithOptions creates a new file-based WAL with custom options
func NewFileWALWithOptions(dir string, opts Options) (*FileWAL, error) {
	if err := os.MkdirAll(dir, walDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	maxSegSize := opts.MaxSegmentSize
	if maxSegSize <= 0 {
		maxSegSize = defaultMaxSegSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FileWAL{
		dir:        dir,
		maxSegSize: maxSegSize,
		logger:     logger.With(zap.String("component", "wal"), zap.String("dir", dir)),
		group:      &segmentRange{},
	}, nil
}

// Start opens the newest segment for appending
func (w *FileWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	segments := findSegments(w.dir)
	if len(segments) > 0 {
		w.group.minIndex = segments[0]
		w.group.maxIndex = segments[len(segments)-1]
	} else {
		w.group.minIndex, w.group.maxIndex = 0, 0
	}
	w.segmentIndex = w.group.maxIndex

	if len(segments) > 0 {
		if err := w.repairTail(w.segmentIndex); err != nil {
			return err
		}
	}
	if err := w.openSegment(w.segmentIndex); err != nil {
		return err
	}

	w.started = true
	return nil
}

// repairTail truncates a torn or corrupted tail from the segment so new
// records are appended after the last readable one
func (w *FileWAL) repairTail(index int) error {
	path := w.segmentPath(index)
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment %d: %w", index, err)
	}
	cr := &countingReader{r: bufio.NewReader(file)}
	dec := newDecoder(cr)

	var valid int64
	var decodeErr error
	for {
		if _, decodeErr = dec.Decode(); decodeErr != nil {
			break
		}
		valid = cr.n
	}
	file.Close()

	if decodeErr == io.EOF {
		return nil
	}
	w.logger.Warn("truncating unreadable WAL tail",
		zap.Int("segment", index),
		zap.Int64("offset", valid),
		zap.Error(decodeErr))
	if err := os.Truncate(path, valid); err != nil {
		return fmt.Errorf("failed to truncate WAL segment %d: %w", index, err)
	}
	return nil
}

// countingReader counts bytes consumed by the decoder
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// segmentPath returns the file path for a segment index
func (w *FileWAL) segmentPath(index int) string {
	return segmentPath(w.dir, index)
}

func segmentPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%05d", segmentPrefix, index))
}

// openSegment opens a segment file for appending
func (w *FileWAL) openSegment(index int) error {
	file, err := os.OpenFile(w.segmentPath(index), os.O_RDWR|os.O_CREATE|os.O_APPEND, walFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment %d: %w", index, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat WAL segment: %w", err)
	}

	w.file = file
	w.buf = bufio.NewWriterSize(file, defaultBufSize)
	w.enc = newEncoder(w.buf)
	w.segmentSize = info.Size()
	return nil
}

// Stop flushes and closes the current segment
func (w *FileWAL) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}
	w.started = false

	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Write writes a record to the WAL (buffered)
func (w *FileWAL) Write(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(rec)
}

// WriteSync writes a record and syncs to disk
func (w *FileWAL) WriteSync(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.write(rec); err != nil {
		return err
	}
	return w.flushAndSync()
}

// write appends rec, rotating first if the segment is full. Caller holds w.mu.
func (w *FileWAL) write(rec *Record) error {
	if !w.started {
		return ErrWALClosed
	}
	if rec == nil || rec.Type == RecordTypeUnknown {
		return ErrInvalidRecord
	}

	if w.segmentSize >= w.maxSegSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}

	n, err := w.enc.Encode(rec)
	if err != nil {
		return err
	}
	w.segmentSize += int64(n)
	return nil
}

// rotate closes the current segment and opens a new one
func (w *FileWAL) rotate() error {
	if err := w.flushAndSync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	w.segmentIndex++
	w.group.maxIndex = w.segmentIndex

	w.logger.Debug("rotated WAL segment", zap.Int("segment", w.segmentIndex))
	return w.openSegment(w.segmentIndex)
}

// FlushAndSync flushes the buffer and syncs to disk.
func (w *FileWAL) FlushAndSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}
	return w.flushAndSync()
}

// flushAndSync assumes the lock is held
func (w *FileWAL) flushAndSync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// NewReader flushes pending writes and returns a reader over every live
// record, oldest first
func (w *FileWAL) NewReader() (Reader, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil, ErrWALClosed
	}
	if err := w.buf.Flush(); err != nil {
		return nil, err
	}

	segments := make([]int, 0, w.group.maxIndex-w.group.minIndex+1)
	for idx := w.group.minIndex; idx <= w.group.maxIndex; idx++ {
		segments = append(segments, idx)
	}
	return &multiSegmentReader{dir: w.dir, segments: segments, current: -1}, nil
}

// Checkpoint deletes leading segments whose records all have a sequence
// at or below seq. The current segment is never deleted.
func (w *FileWAL) Checkpoint(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}

	var segmentsToDelete []int
	for idx := w.group.minIndex; idx < w.group.maxIndex; idx++ {
		canDelete, err := w.canDeleteSegment(idx, seq)
		if err != nil {
			w.logger.Warn("keeping unreadable segment",
				zap.Int("segment", idx),
				zap.Error(err))
			break
		}
		if !canDelete {
			break
		}
		segmentsToDelete = append(segmentsToDelete, idx)
	}

	for _, idx := range segmentsToDelete {
		if err := os.Remove(w.segmentPath(idx)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete segment %d: %w", idx, err)
		}
	}

	if len(segmentsToDelete) > 0 {
		w.group.minIndex = segmentsToDelete[len(segmentsToDelete)-1] + 1
		w.logger.Debug("pruned WAL segments",
			zap.Int("count", len(segmentsToDelete)),
			zap.Uint64("checkpoint_seq", seq))
	}
	return nil
}

// canDeleteSegment reports whether every record in the segment is at or
// below seq
func (w *FileWAL) canDeleteSegment(segmentIndex int, seq uint64) (bool, error) {
	file, err := os.Open(w.segmentPath(segmentIndex))
	if err != nil {
		return false, err
	}
	defer file.Close()

	dec := newDecoder(bufio.NewReader(file))
	var maxSeq uint64
	for {
		rec, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false, err
		}
		if rec.Sequence > maxSeq {
			maxSeq = rec.Sequence
		}
	}
	return maxSeq <= seq, nil
}

// SegmentCount returns the number of live segments
func (w *FileWAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.group.maxIndex - w.group.minIndex + 1
}

// Ensure FileWAL implements WAL
var _ WAL = (*FileWAL)(nil)

// encoder frames records onto the WAL
type encoder struct {
	w   io.Writer
	buf []byte
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{
		w:   w,
		buf: make([]byte, 4),
	}
}

// Encode writes a record and returns the number of bytes written
func (e *encoder) Encode(rec *Record) (int, error) {
	data, err := types.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to encode record: %w", err)
	}
	if len(data) > maxRecordSize {
		return 0, fmt.Errorf("%w: record of %d bytes exceeds limit", ErrInvalidRecord, len(data))
	}

	checksum := crc32.ChecksumIEEE(data)

	binary.BigEndian.PutUint32(e.buf, uint32(len(data)))
	if _, err := e.w.Write(e.buf); err != nil {
		return 0, err
	}
	if _, err := e.w.Write(data); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(e.buf, checksum)
	if _, err := e.w.Write(e.buf); err != nil {
		return 0, err
	}

	return 4 + len(data) + 4, nil
}

// decoder reads framed records
type decoder struct {
	r   io.Reader
	buf []byte
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{
		r:   r,
		buf: make([]byte, 4),
	}
}

// Decode reads the next record. A torn frame at the end of a segment
// surfaces as io.ErrUnexpectedEOF.
func (d *decoder) Decode() (*Record, error) {
	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(d.buf)
	if length > maxRecordSize {
		return nil, fmt.Errorf("%w: frame length %d", ErrWALCorrupted, length)
	}

	poolBufPtr := decoderPool.Get().(*[]byte)
	poolBuf := *poolBufPtr
	defer func() {
		*poolBufPtr = poolBuf[:0]
		decoderPool.Put(poolBufPtr)
	}()

	if cap(poolBuf) < int(length) {
		poolBuf = make([]byte, length)
	} else {
		poolBuf = poolBuf[:length]
	}

	if _, err := io.ReadFull(d.r, poolBuf); err != nil {
		return nil, unexpected(err)
	}
	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		return nil, unexpected(err)
	}

	expectedCRC := binary.BigEndian.Uint32(d.buf)
	actualCRC := crc32.ChecksumIEEE(poolBuf)
	if expectedCRC != actualCRC {
		return nil, fmt.Errorf("%w: CRC mismatch (expected %08x, got %08x)", ErrWALCorrupted, expectedCRC, actualCRC)
	}

	rec := &Record{}
	if err := types.Unmarshal(poolBuf, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWALCorrupted, err)
	}
	// Unmarshal copies byte strings, so rec does not alias poolBuf
	return rec, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// fileReader reads records from one segment
type fileReader struct {
	file *os.File
	dec  *decoder
}

func (r *fileReader) Read() (*Record, error) {
	return r.dec.Decode()
}

func (r *fileReader) Close() error {
	return r.file.Close()
}

var _ Reader = (*fileReader)(nil)

// OpenWALForReading opens every segment in dir for reading, oldest first
func OpenWALForReading(dir string) (Reader, error) {
	segments := findSegments(dir)
	if len(segments) == 0 {
		return nil, ErrWALNotFound
	}
	return &multiSegmentReader{
		dir:      dir,
		segments: segments,
		current:  -1,
	}, nil
}

// findSegments returns the segment indices in dir in ascending order
func findSegments(dir string) []int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var segments []int
	for _, entry := range entries {
		var idx int
		if n, _ := fmt.Sscanf(entry.Name(), segmentPrefix+"-%05d", &idx); n == 1 {
			segments = append(segments, idx)
		}
	}
	sort.Ints(segments)
	return segments
}

// multiSegmentReader reads through consecutive segments
type multiSegmentReader struct {
	dir      string
	segments []int
	current  int
	reader   *fileReader
}

func (r *multiSegmentReader) Read() (*Record, error) {
	for {
		if r.reader == nil {
			r.current++
			if r.current >= len(r.segments) {
				return nil, io.EOF
			}

			file, err := os.Open(segmentPath(r.dir, r.segments[r.current]))
			if err != nil {
				return nil, err
			}
			r.reader = &fileReader{
				file: file,
				dec:  newDecoder(bufio.NewReader(file)),
			}
		}

		rec, err := r.reader.Read()
		if err == io.EOF {
			r.reader.Close()
			r.reader = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
}

func (r *multiSegmentReader) Close() error {
	if r.reader != nil {
		err := r.reader.Close()
		r.reader = nil
		return err
	}
	return nil
}

var _ Reader = (*multiSegmentReader)(nil)
