package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry in a fresh log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Log is an append-only JSONL file where every entry carries the hash of the
// line before it. Quarantine records are written to the same chain as
// email_quarantined entries.
type Log struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	prevHash string
	now      func() time.Time
}

// Open opens or creates the log at path and recovers the chain tail from
// the last line already on disk.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	tail, err := lastLine(path)
	if err != nil {
		return nil, err
	}
	prev := GenesisHash
	if len(tail) > 0 {
		prev = HashLine(tail)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	return &Log{path: path, file: f, prevHash: prev, now: time.Now}, nil
}

func lastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	sc := newScanner(f)
	var last []byte
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		last = append(last[:0], sc.Bytes()...)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan existing log: %w", err)
	}
	return last, nil
}

// Path returns the file the log appends to.
func (l *Log) Path() string { return l.path }

// Record appends e, filling Timestamp when empty and always overwriting
// PrevHash. The write is synced before Record returns.
func (l *Log) Record(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit: log closed")
	}
	if e.Timestamp == "" {
		e.Timestamp = l.now().UTC().Format(TimestampFormat)
	}
	e.PrevHash = l.prevHash

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	l.prevHash = HashLine(line)
	return nil
}

// Quarantine implements Sink.
func (l *Log) Quarantine(q QuarantineRecord) error {
	return l.Record(q.Entry())
}

// Close closes the file. Further writes fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// HashLine returns "sha256:<hex>" of line.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

// maxLineBytes bounds a single log line when reading back.
const maxLineBytes = 4 << 20

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return sc
}
