package logging

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditSeverity classifies audit records
type AuditSeverity string

const (
	AuditInfo     AuditSeverity = "INFO"
	AuditWarn     AuditSeverity = "WARN"
	AuditSecurity AuditSeverity = "SECURITY"
)

// Audit errors
var (
	ErrAuditLogClosed    = errors.New("audit: log is closed")
	ErrAuditVerifyFailed = errors.New("audit: verification failed")
	ErrAuditSequenceGap  = errors.New("audit: sequence number gap detected")
	ErrAuditChainBroken  = errors.New("audit: hash chain broken")
)

// AuditConfig configures the audit logger
type AuditConfig struct {
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Compress   bool   `yaml:"compress"`

	// SigningKey enables an HMAC over each record when set
	SigningKey []byte `yaml:"-"`

	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`

	NodeID    string `yaml:"node_id"`
	Component string `yaml:"component"`
}

// DefaultAuditConfig returns audit defaults
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		MaxSize:       100,
		MaxBackups:    30,
		MaxAge:        90,
		Compress:      true,
		BufferSize:    64 * 1024,
		FlushInterval: 5 * time.Second,
		Component:     "bondberry",
	}
}

// AuditRecord is a single audit log line
type AuditRecord struct {
	Timestamp string                 `json:"ts"`
	Sequence  uint64                 `json:"seq"`
	Event     string                 `json:"event"`
	Severity  AuditSeverity          `json:"severity"`
	NodeID    string                 `json:"node_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Signature string                 `json:"sig,omitempty"`
	PrevHash  string                 `json:"prev_hash,omitempty"`
}

// AuditLogger writes hash-chained JSON lines. Each record carries the hash
// of its predecessor, so removing or editing a line breaks the chain.
type AuditLogger struct {
	config  AuditConfig
	closer  io.Closer
	buffer  *bufio.Writer
	encoder *json.Encoder

	mu       sync.Mutex
	sequence uint64
	lastHash string

	closed atomic.Bool
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewAuditLogger opens (or continues) the audit log at config.FilePath
func NewAuditLogger(config AuditConfig) (*AuditLogger, error) {
	if config.FilePath == "" {
		return nil, errors.New("audit: file path is required")
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultAuditConfig().BufferSize
	}

	seq, lastHash, err := scanTail(config.FilePath)
	if err != nil {
		return nil, err
	}

	rotator := &lumberjack.Logger{
		Filename:   config.FilePath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	buffer := bufio.NewWriterSize(rotator, config.BufferSize)

	al := &AuditLogger{
		config:   config,
		closer:   rotator,
		buffer:   buffer,
		encoder:  json.NewEncoder(buffer),
		sequence: seq,
		lastHash: lastHash,
		stopCh:   make(chan struct{}),
	}

	if config.FlushInterval > 0 {
		al.startPeriodicFlush()
	}
	return al, nil
}

// Log writes an audit record
func (al *AuditLogger) Log(event string, severity AuditSeverity, fields map[string]interface{}) error {
	if al == nil {
		return nil
	}
	if al.closed.Load() {
		return ErrAuditLogClosed
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	al.sequence++
	record := AuditRecord{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Sequence:  al.sequence,
		Event:     event,
		Severity:  severity,
		NodeID:    al.config.NodeID,
		Component: al.config.Component,
		Fields:    fields,
		PrevHash:  al.lastHash,
	}
	if len(al.config.SigningKey) > 0 {
		record.Signature = computeRecordSignature(record, al.config.SigningKey)
	}

	if err := al.encoder.Encode(record); err != nil {
		al.sequence--
		return fmt.Errorf("audit: failed to encode record: %w", err)
	}
	al.lastHash = computeRecordHash(record)
	return nil
}

func (al *AuditLogger) Info(event string, fields map[string]interface{}) error {
	return al.Log(event, AuditInfo, fields)
}

func (al *AuditLogger) Warn(event string, fields map[string]interface{}) error {
	return al.Log(event, AuditWarn, fields)
}

func (al *AuditLogger) Security(event string, fields map[string]interface{}) error {
	return al.Log(event, AuditSecurity, fields)
}

// Sequence returns the sequence number of the last record written
func (al *AuditLogger) Sequence() uint64 {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.sequence
}

// Flush flushes buffered records
func (al *AuditLogger) Flush() error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.buffer.Flush()
}

// Close flushes and closes the audit logger
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	if !al.closed.CompareAndSwap(false, true) {
		return ErrAuditLogClosed
	}

	close(al.stopCh)
	al.wg.Wait()

	if err := al.Flush(); err != nil {
		return err
	}
	return al.closer.Close()
}

// VerifyLog checks sequence continuity, the hash chain and, when signingKey
// is set, every record signature.
func VerifyLog(path string, signingKey []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var prevHash string
	var lastSeq uint64
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		var record AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return fmt.Errorf("line %d: invalid JSON: %w", lineNum, err)
		}

		// The first line of a rotated file may continue an older chain
		if lineNum > 1 {
			if record.Sequence != lastSeq+1 {
				return fmt.Errorf("line %d: %w: expected %d, got %d",
					lineNum, ErrAuditSequenceGap, lastSeq+1, record.Sequence)
			}
			if record.PrevHash != prevHash {
				return fmt.Errorf("line %d: %w", lineNum, ErrAuditChainBroken)
			}
		}

		if len(signingKey) > 0 {
			if !hmac.Equal([]byte(record.Signature), []byte(computeRecordSignature(record, signingKey))) {
				return fmt.Errorf("line %d: %w", lineNum, ErrAuditVerifyFailed)
			}
		}

		prevHash = computeRecordHash(record)
		lastSeq = record.Sequence
	}

	return scanner.Err()
}

func (al *AuditLogger) startPeriodicFlush() {
	al.wg.Add(1)
	go func() {
		defer al.wg.Done()
		ticker := time.NewTicker(al.config.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-al.stopCh:
				return
			case <-ticker.C:
				_ = al.Flush()
			}
		}
	}()
}

// scanTail returns the sequence and hash of the last record in an existing
// log so a reopened logger continues the chain.
func scanTail(path string) (uint64, string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("audit: failed to open log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var last *AuditRecord
	for scanner.Scan() {
		var record AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		last = &record
	}
	if err := scanner.Err(); err != nil {
		return 0, "", fmt.Errorf("audit: failed to scan log: %w", err)
	}
	if last == nil {
		return 0, "", nil
	}
	return last.Sequence, computeRecordHash(*last), nil
}

func computeRecordHash(record AuditRecord) string {
	data := fmt.Sprintf("%s|%d|%s|%s|%s|%s",
		record.Timestamp, record.Sequence, record.Event, record.Severity, record.PrevHash, record.Signature)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

func computeRecordSignature(record AuditRecord, key []byte) string {
	data := fmt.Sprintf("%s|%d|%s|%s|%s",
		record.Timestamp, record.Sequence, record.Event, record.Severity, record.PrevHash)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
