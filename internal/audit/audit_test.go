package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNilLoggerLogDoesNotPanic(t *testing.T) {
	var l *Logger
	l.Log(EventChunkSealed, "stem", map[string]any{"key": "value"})
}

func TestNilLoggerCloseDoesNotPanic(t *testing.T) {
	var l *Logger
	if err := l.Close(); err != nil {
		t.Fatalf("nil Close() returned error: %v", err)
	}
}

func TestNilLoggerDroppedCountReturnsNegOne(t *testing.T) {
	var l *Logger
	if got := l.DroppedCount(); got != -1 {
		t.Fatalf("nil DroppedCount() = %d, want -1", got)
	}
}

func TestLogWritesJSONLEntry(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventSessionStart, "session-1", map[string]any{"deviceId": "d-1"})
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].EventType != EventSessionStart {
		t.Fatalf("eventType = %q, want %q", entries[0].EventType, EventSessionStart)
	}
	if entries[0].Subject != "session-1" {
		t.Fatalf("subject = %q, want session-1", entries[0].Subject)
	}
	if entries[0].PrevHash != genesisHash {
		t.Fatalf("prevHash = %q, want genesis", entries[0].PrevHash)
	}
	if entries[0].EntryHash == "" {
		t.Fatal("entryHash is empty")
	}
}

func TestHashChainLinkingAndVerify(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventSessionStart, "s-1", nil)
	l.Log(EventChunkSealed, "2026.10.14_09.30.00_dev", map[string]any{"fileSizeBytes": 88244, "sha256": "ab"})
	l.Log(EventChunkDiscarded, "", map[string]any{"reason": "stopped mid-chunk"})
	l.Log(EventSessionStop, "s-1", map[string]any{})
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			t.Fatalf("entry[%d].PrevHash = %q, want %q", i, entries[i].PrevHash, entries[i-1].EntryHash)
		}
	}

	f, err := os.Open(l.filePath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	n, err := VerifyChain(f)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if n != 4 {
		t.Fatalf("VerifyChain verified %d entries, want 4", n)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventChunkSealed, "a", map[string]any{"sha256": "1111"})
	l.Log(EventChunkSealed, "b", map[string]any{"sha256": "2222"})
	l.Close()

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		t.Fatal(err)
	}
	tampered := bytes.Replace(data, []byte("2222"), []byte("3333"), 1)

	if _, err := VerifyChain(bytes.NewReader(tampered)); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("VerifyChain on tampered log = %v, want ErrChainBroken", err)
	}
}

func TestReopenResumesChain(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir, 1, 2)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	l.Log(EventSessionStart, "s-1", nil)
	l.Close()

	l2, err := NewLogger(dir, 1, 2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	l2.Log(EventSessionStop, "s-1", nil)
	l2.Close()

	entries := readEntries(t, filepath.Join(dir, FileName))
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].PrevHash != entries[0].EntryHash {
		t.Fatalf("reopened logger restarted the chain: prevHash = %q", entries[1].PrevHash)
	}
}

func TestRotationSentinelCrossFileHashChain(t *testing.T) {
	l := newTestLogger(t)
	l.maxSize = 300

	for i := 0; i < 10; i++ {
		l.Log(EventChunkDiscarded, "stem-x", map[string]any{"i": i})
	}
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) == 0 {
		t.Fatal("no entries in current file after rotation")
	}
	if entries[0].EventType != EventLogRotated {
		t.Fatalf("first entry eventType = %q, want %q", entries[0].EventType, EventLogRotated)
	}
	if prevFile, _ := entries[0].Details["previousFile"].(string); prevFile != FileName+".1" {
		t.Fatalf("sentinel previousFile = %q", prevFile)
	}

	backup := readEntries(t, l.filePath+".1")
	if len(backup) == 0 {
		t.Fatal("no entries in backup file")
	}
	if last := backup[len(backup)-1].EntryHash; entries[0].PrevHash != last {
		t.Fatalf("sentinel prevHash = %q, want last backup entry hash = %q", entries[0].PrevHash, last)
	}
	if len(entries) > 1 && entries[1].PrevHash != entries[0].EntryHash {
		t.Fatalf("entry after sentinel is not linked to it")
	}
}

func TestCriticalEventsSet(t *testing.T) {
	for _, e := range []string{EventSessionStart, EventSessionStop, EventChunkSealed, EventPermissionRevoked} {
		if !criticalEvents[e] {
			t.Errorf("event %q should be in criticalEvents", e)
		}
	}
	for _, e := range []string{EventChunkDiscarded, EventChunkFailed, EventLogRotated} {
		if criticalEvents[e] {
			t.Errorf("event %q should NOT be in criticalEvents", e)
		}
	}
}

func TestDroppedCountIncrementsOnWriteFailure(t *testing.T) {
	l := newTestLogger(t)

	// Swap in a read-only handle to force write failures.
	l.file.Close()
	f, err := os.Open(l.filePath)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	l.file = f

	l.Log(EventChunkFailed, "", nil)

	if got := l.DroppedCount(); got != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", got)
	}
	l.file.Close()
}

// --- helpers ---

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l := &Logger{
		filePath:   filepath.Join(t.TempDir(), FileName),
		maxSize:    50 * 1024 * 1024,
		maxBackups: 3,
		prevHash:   genesisHash,
		now:        func() time.Time { return time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC) },
	}
	if err := l.openFile(); err != nil {
		t.Fatalf("openFile: %v", err)
	}
	return l
}

func readEntries(t *testing.T, filePath string) []Entry {
	t.Helper()
	data, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}
