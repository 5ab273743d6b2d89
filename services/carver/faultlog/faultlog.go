// Package faultlog keeps the forensic activity log: an append-only,
// hash-chained record of scan lifecycle, unreadable ranges and rejected
// candidates, persisted as JSON lines.
package faultlog

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/swarmguard/carver/services/carver/recovery"
	"github.com/swarmguard/carver/services/carver/scanner"
	"github.com/swarmguard/carver/services/carver/session"
)

const (
	ActionScanStarted        = "scan.started"
	ActionScanFinished       = "scan.finished"
	ActionIoFault            = "io.fault"
	ActionCandidateRejected  = "candidate.rejected"
	ActionCandidateAbandoned = "candidate.abandoned"
)

// ErrChainBroken means an entry does not hash to its recorded value or does
// not link to its predecessor.
var ErrChainBroken = errors.New("activity log chain broken")

// Entry is one immutable log record.
type Entry struct {
	Index     uint64    `json:"index"`
	Timestamp time.Time `json:"ts"`
	Action    string    `json:"action"`
	SessionID string    `json:"session_id"`
	Resource  string    `json:"resource"`
	Offset    int64     `json:"offset"`
	Length    int64     `json:"length"`
	Detail    string    `json:"detail"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// Log is the chained log. Entries live in memory and, when a path is
// given, are appended and fsynced to a JSON-lines file.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	file    *os.File
	now     func() time.Time
	log     *slog.Logger
}

// Open restores the log at path, verifying the chain, and appends to it.
// An empty path keeps the log in memory only.
func Open(path string) (*Log, error) {
	l := &Log{entries: make([]Entry, 0, 1024), now: time.Now, log: slog.Default()}
	if path == "" {
		return l, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if f, err := os.Open(path); err == nil {
		entries, rerr := readEntries(f)
		f.Close()
		if rerr != nil {
			return nil, fmt.Errorf("restore %s: %w", path, rerr)
		}
		if err := verify(entries); err != nil {
			return nil, fmt.Errorf("restore %s: %w", path, err)
		}
		l.entries = entries
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	l.file = f
	return l, nil
}

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

// Append chains and persists a record. Index, Timestamp and the hashes
// are filled in.
func (l *Log) Append(e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.Index = uint64(len(l.entries))
	e.Timestamp = l.now().UTC()
	e.PrevHash = ""
	if n := len(l.entries); n > 0 {
		e.PrevHash = l.entries[n-1].Hash
	}
	e.Hash = hashEntry(e)
	if l.file != nil {
		line, err := json.Marshal(e)
		if err != nil {
			return Entry{}, err
		}
		if _, err := l.file.Write(append(line, '\n')); err != nil {
			return Entry{}, fmt.Errorf("write log: %w", err)
		}
		if err := l.file.Sync(); err != nil {
			return Entry{}, fmt.Errorf("sync log: %w", err)
		}
	}
	l.entries = append(l.entries, e)
	return e, nil
}

func (l *Log) Get(index uint64) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index >= uint64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[index], true
}

func (l *Log) Latest() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify checks the whole in-memory chain.
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verify(l.entries)
}

// QueryFilter selects entries; empty fields match everything.
type QueryFilter struct {
	SessionID string
	Action    string
}

func (l *Log) Query(f QueryFilter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.entries {
		if f.SessionID != "" && e.SessionID != f.SessionID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, e)
	}
	return out
}

// VerifyFile checks a persisted log without opening it for writing.
func VerifyFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	entries, err := readEntries(f)
	if err != nil {
		return 0, err
	}
	return len(entries), verify(entries)
}

func readEntries(r io.Reader) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func verify(entries []Entry) error {
	for i := range entries {
		e := &entries[i]
		if e.Index != uint64(i) {
			return fmt.Errorf("%w: entry %d has index %d", ErrChainBroken, i, e.Index)
		}
		if hashEntry(*e) != e.Hash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		if i > 0 && entries[i-1].Hash != e.PrevHash {
			return fmt.Errorf("%w: entry %d does not link to %d", ErrChainBroken, i, i-1)
		}
	}
	return nil
}

func hashEntry(e Entry) string {
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte(strconv.FormatUint(e.Index, 10)))
	h.Write([]byte(e.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte(e.Action))
	h.Write([]byte(e.SessionID))
	h.Write([]byte(e.Resource))
	h.Write([]byte(strconv.FormatInt(e.Offset, 10)))
	h.Write([]byte(strconv.FormatInt(e.Length, 10)))
	h.Write([]byte(e.Detail))
	return hex.EncodeToString(h.Sum(nil))
}

// Observer returns a recovery observer that records scans into l.
func (l *Log) Observer() recovery.Observer { return observer{l} }

type observer struct{ l *Log }

func (o observer) add(e Entry) {
	if _, err := o.l.Append(e); err != nil {
		o.l.log.Warn("activity log append failed", "action", e.Action, "error", err)
	}
}

func (o observer) ScanStarted(_ context.Context, s recovery.Started) {
	o.add(Entry{Action: ActionScanStarted, SessionID: s.ID, Resource: s.Source, Length: s.Size,
		Detail: fmt.Sprintf("mode=%s segments=%d catalog=%s", s.Mode, s.Segments, s.CatalogVersion)})
}

func (o observer) SegmentDone(_ context.Context, id string, res *scanner.SegmentResult, _ int64) {
	for _, f := range res.Faults {
		o.add(Entry{Action: ActionIoFault, SessionID: id, Offset: f.Offset, Length: f.Length, Detail: f.Cause})
	}
	for i := range res.Resolutions {
		r := &res.Resolutions[i]
		action := ActionCandidateRejected
		switch r.Outcome {
		case scanner.OutcomeValid:
			continue
		case scanner.OutcomeAbandoned:
			action = ActionCandidateAbandoned
		}
		o.add(Entry{Action: action, SessionID: id, Resource: r.TypeName, Offset: r.Start, Length: r.Size(), Detail: r.Reason})
	}
}

func (o observer) ScanFinished(_ context.Context, s *session.ScanSession) {
	o.add(Entry{Action: ActionScanFinished, SessionID: s.ID, Resource: s.SourceIdentifier, Offset: s.ResumeOffset, Length: s.BytesScanned,
		Detail: fmt.Sprintf("status=%s accepted=%d rejected=%d abandoned=%d files=%d faults=%d",
			s.Status, s.CandidatesAccepted, s.CandidatesRejected, s.CandidatesAbandoned, len(s.RecoveredFiles), len(s.Errors))})
}
