// Package audit keeps a tamper-evident record of capture sessions and
// sealed pairs: JSONL entries linked by a SHA-256 hash chain.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/terminus/agent/internal/logging"
)

var log = logging.L("audit")

// FileName is the active audit log under the data dir.
const FileName = "audit.jsonl"

const genesisHash = "genesis"

// Event types for audit logging.
const (
	EventSessionStart      = "session_start"
	EventSessionStop       = "session_stop"
	EventChunkSealed       = "chunk_sealed"
	EventChunkDiscarded    = "chunk_discarded"
	EventChunkFailed       = "chunk_failed"
	EventSealFailed        = "seal_failed"
	EventPermissionRevoked = "permission_revoked"
	EventLogRotated        = "log_rotated"
)

// criticalEvents are event types that require fsync after writing.
var criticalEvents = map[string]bool{
	EventSessionStart:      true,
	EventSessionStop:       true,
	EventChunkSealed:       true,
	EventPermissionRevoked: true,
}

// ErrChainBroken reports a hash chain that does not verify.
var ErrChainBroken = errors.New("audit: hash chain broken")

// Entry is a single audit log record. Subject is the capture session id;
// chunk events carry the pair stem in Details.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	Subject   string         `json:"subject,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger writes hash-chained JSONL audit entries. On rotation a
// log_rotated sentinel opens the new file with prevHash linking to the
// last entry of the old one. Reopening an existing log resumes its chain.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
	now        func() time.Time
}

// NewLogger creates an audit logger writing to {dataDir}/audit.jsonl.
func NewLogger(dataDir string, maxSizeMB, maxBackups int) (*Logger, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit data dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	l := &Logger{
		filePath:   filepath.Join(dataDir, FileName),
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesisHash,
		now:        time.Now,
	}

	last, err := lastEntryHash(l.filePath)
	if err != nil {
		return nil, err
	}
	if last != "" {
		l.prevHash = last
	}

	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Info("audit logger started", "path", l.filePath)
	return l, nil
}

// Path returns the active log file.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// Log writes a single audit entry with hash chain linking.
// The hash chain is only advanced after a successful write, so a failed
// write leaves the next entry linked to the same prevHash.
// Safe to call on a nil receiver (no-op).
func (l *Logger) Log(eventType, subject string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		Subject:   subject,
		Details:   details,
		PrevHash:  l.prevHash,
	}

	data, err := seal(&entry)
	if err != nil {
		log.Error("failed to encode audit entry", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}

	if l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			log.Error("audit log rotation failed", "error", err)
			l.dropped.Add(1)
			return
		}
		// The sentinel moved the chain head; relink this entry.
		entry.PrevHash = l.prevHash
		if data, err = seal(&entry); err != nil {
			l.dropped.Add(1)
			return
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		log.Error("failed to write audit entry", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash

	if criticalEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Error("failed to fsync critical audit entry", "error", err, "eventType", eventType)
		}
	}
}

// Close flushes and closes the audit log file.
// Safe to call on a nil receiver (no-op).
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DroppedCount returns the number of audit entries that failed to write.
// Returns -1 if the logger is nil (not initialized), distinguishing
// "logger not available" from "logger working with zero drops".
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// seal computes entry's hash and returns its JSONL encoding.
func seal(entry *Entry) ([]byte, error) {
	hash, err := computeHash(*entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	return append(data, '\n'), nil
}

// computeHash produces the SHA-256 hash for an audit entry.
// Fields are length-prefixed so no field content can imitate a boundary.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.Subject, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if len(entry.Details) > 0 {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}

	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	prev := l.prevHash

	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	// Shift existing backups: .3 → delete, .2 → .3, .1 → .2
	for i := l.maxBackups; i >= 2; i-- {
		src := l.backupName(i - 1)
		dst := l.backupName(i)
		if i == l.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("audit log rotation: failed to remove oldest backup", "path", dst, "error", err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("audit log rotation: failed to rename backup", "src", src, "dst", dst, "error", err)
		}
	}

	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit log rotation: failed to rename current log", "error", err)
	}

	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  prev,
		Details: map[string]any{
			"previousFile": filepath.Base(l.backupName(1)),
		},
	}
	data, err := seal(&sentinel)
	if err == nil {
		var n int
		n, err = l.file.Write(data)
		l.written += int64(n)
	}
	if err != nil {
		log.Error("rotation sentinel write failed, hash chain broken", "error", err)
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
		return nil
	}
	l.prevHash = sentinel.EntryHash
	return nil
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}

// lastEntryHash returns the entryHash of the final record in path, or ""
// when the file does not exist or is empty.
func lastEntryHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read audit log: %w", err)
	}
	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return "", nil
	}
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[i+1:]
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return "", fmt.Errorf("%w: unreadable last entry: %v", ErrChainBroken, err)
	}
	return e.EntryHash, nil
}

// VerifyChain re-hashes every entry read from r and checks each links to
// its predecessor. It returns the number of entries verified.
func VerifyChain(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var prev string
	count := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return count, fmt.Errorf("%w: line %d: %v", ErrChainBroken, count+1, err)
		}
		if count > 0 && e.PrevHash != prev {
			return count, fmt.Errorf("%w: line %d links to %q, want %q", ErrChainBroken, count+1, e.PrevHash, prev)
		}
		want, err := computeHash(e)
		if err != nil {
			return count, err
		}
		if want != e.EntryHash {
			return count, fmt.Errorf("%w: line %d hash mismatch", ErrChainBroken, count+1)
		}
		prev = e.EntryHash
		count++
	}
	if err := sc.Err(); err != nil {
		return count, fmt.Errorf("read audit log: %w", err)
	}
	return count, nil
}
