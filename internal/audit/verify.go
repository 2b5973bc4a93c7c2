package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// VerifyResult is the outcome of walking a log's hash chain. Head is the
// hash the next appended entry must carry as its prev_hash.
type VerifyResult struct {
	Valid     bool              `json:"valid"`
	Lines     int               `json:"lines"`
	Head      string            `json:"head,omitempty"`
	Sessions  int               `json:"sessions,omitempty"`
	Events    map[EventType]int `json:"events,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorLine int               `json:"error_line,omitempty"`
}

// Verify walks the chain in the log at path.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()
	return VerifyReader(f)
}

// VerifyReader walks the chain read from r. The first entry must point at
// GenesisHash and each later one at the hash of the line before it; every
// event must belong to the known set. It stops at the first failure.
func VerifyReader(r io.Reader) VerifyResult {
	res := VerifyResult{Head: GenesisHash, Events: make(map[EventType]int)}
	sessions := make(map[string]bool)
	fail := func(line int, format string, args ...any) VerifyResult {
		return VerifyResult{Lines: line - 1, Error: fmt.Sprintf(format, args...), ErrorLine: line}
	}

	sc := newScanner(r)
	for sc.Scan() {
		n := res.Lines + 1
		line := sc.Bytes()

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fail(n, "parse error: %v", err)
		}
		switch {
		case e.PrevHash == res.Head:
		case n == 1:
			return fail(n, "first entry prev_hash is %q, expected genesis hash", e.PrevHash)
		default:
			return fail(n, "hash mismatch: expected %s, got %s", res.Head, e.PrevHash)
		}
		if !e.Event.Known() {
			return fail(n, "unknown event %q", e.Event)
		}

		res.Lines = n
		res.Head = HashLine(line)
		res.Events[e.Event]++
		if e.SessionID != "" {
			sessions[e.SessionID] = true
		}
	}
	if err := sc.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}
	res.Valid = true
	res.Sessions = len(sessions)
	return res
}
