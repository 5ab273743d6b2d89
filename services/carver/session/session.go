// Package session aggregates scan results into the frozen ScanSession
// record. A Session has a single writer: the recovery engine's consumer
// goroutine.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/carver/services/carver/dedup"
	"github.com/swarmguard/carver/services/carver/scanner"
	"github.com/swarmguard/carver/services/carver/source"
	"github.com/swarmguard/carver/services/carver/validate"
)

// Mode selects which byte ranges a scan covers.
type Mode string

const (
	ModeQuick Mode = "quick"
	ModeDeep  Mode = "deep"
)

// ParseMode accepts "quick" or "deep".
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeQuick, ModeDeep:
		return m, nil
	}
	return "", fmt.Errorf("unknown scan mode %q", s)
}

// Status is the terminal state of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ErrFrozen is returned when recording into a finalized session.
var ErrFrozen = errors.New("session finalized")

// RecoveredFile is an accepted, deduplicated carve. ID is its content digest.
type RecoveredFile struct {
	ID          string              `json:"id"`
	TypeName    string              `json:"type_name"`
	Extension   string              `json:"extension,omitempty"`
	StartOffset int64               `json:"start_offset"`
	EndOffset   int64               `json:"end_offset"`
	Size        int64               `json:"size"`
	Confidence  validate.Confidence `json:"confidence"`
	Content     scanner.Content     `json:"-"`
}

// ScanSession is the audit record of one scan. Field names are part of the
// report contract.
type ScanSession struct {
	ID                  string           `json:"id"`
	SourceIdentifier    string           `json:"source_identifier"`
	ScanMode            Mode             `json:"scan_mode"`
	Status              Status           `json:"status"`
	BytesScanned        int64            `json:"bytes_scanned"`
	CandidatesOpened    int64            `json:"candidates_opened"`
	CandidatesAccepted  int64            `json:"candidates_accepted"`
	CandidatesRejected  int64            `json:"candidates_rejected"`
	CandidatesAbandoned int64            `json:"candidates_abandoned"`
	DuplicatesDropped   int64            `json:"duplicates_dropped"`
	RecoveredFiles      []RecoveredFile  `json:"recovered_files"`
	StartedAt           time.Time        `json:"started_at"`
	EndedAt             time.Time        `json:"ended_at"`
	Errors              []source.IoFault `json:"errors"`
	ResumeOffset        int64            `json:"resume_offset"`
	Regions             []source.Region  `json:"regions,omitempty"`
	DigestAlgorithm     dedup.Algorithm  `json:"digest_algorithm"`
	CatalogVersion      string           `json:"catalog_version,omitempty"`
}

// Option configures Begin.
type Option func(*Session)

func WithDigest(a dedup.Algorithm) Option { return func(s *Session) { s.digest = a } }

func WithCatalogVersion(v string) Option { return func(s *Session) { s.catalogVersion = v } }

func WithRegions(r []source.Region) Option {
	return func(s *Session) { s.regions = append([]source.Region(nil), r...) }
}

// WithSpill bounds the inline payload bytes the session holds: once budget
// is reached, further inline payloads are moved to spool files in dir.
func WithSpill(budget int64, dir string) Option {
	return func(s *Session) { s.spillBudget, s.spillDir = budget, dir }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Session) { s.now = now } }

// Session collects results until Finalize.
type Session struct {
	mu sync.Mutex

	id             string
	sourceID       string
	mode           Mode
	digest         dedup.Algorithm
	catalogVersion string
	regions        []source.Region
	now            func() time.Time
	startedAt      time.Time
	spillBudget    int64
	spillDir       string
	inline         int64

	bytesScanned int64
	resume       int64
	cancelled    bool
	faults       []source.IoFault
	results      []scanner.Resolution

	frozen *ScanSession
}

// Begin opens a session for sourceID.
func Begin(id, sourceID string, mode Mode, opts ...Option) *Session {
	s := &Session{id: id, sourceID: sourceID, mode: mode, digest: dedup.SHA256, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.startedAt = s.now().UTC()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// RecordFault appends an unreadable range.
func (s *Session) RecordFault(f *source.IoFault) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen != nil {
		return ErrFrozen
	}
	s.faults = append(s.faults, *f)
	return nil
}

// RecordResult appends one candidate resolution.
func (s *Session) RecordResult(r scanner.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen != nil {
		return ErrFrozen
	}
	if n := int64(len(r.Content.Data)); n > 0 && s.spillBudget > 0 {
		if s.inline+n > s.spillBudget {
			// on failure the payload stays inline rather than being lost
			if c, err := r.Content.Spill(s.spillDir); err == nil {
				r.Content = c
			} else {
				s.inline += n
			}
		} else {
			s.inline += n
		}
	}
	s.results = append(s.results, r)
	return nil
}

// InlineBytes reports the payload bytes currently held in memory.
func (s *Session) InlineBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inline
}

// RecordBytes adds delivered bytes. Negative counts are ignored so the
// total never decreases.
func (s *Session) RecordBytes(n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen != nil {
		return ErrFrozen
	}
	if n > 0 {
		s.bytesScanned += n
	}
	return nil
}

// RecordSegment records everything a finished segment produced.
func (s *Session) RecordSegment(res *scanner.SegmentResult) error {
	if err := s.RecordBytes(res.BytesScanned); err != nil {
		return err
	}
	for _, f := range res.Faults {
		if err := s.RecordFault(f); err != nil {
			return err
		}
	}
	for _, r := range res.Resolutions {
		if err := s.RecordResult(r); err != nil {
			return err
		}
	}
	return nil
}

// Advance moves the resume offset forward to off.
func (s *Session) Advance(off int64) {
	s.mu.Lock()
	if off > s.resume {
		s.resume = off
	}
	s.mu.Unlock()
}

// MarkCancelled makes Finalize report the session as cancelled.
func (s *Session) MarkCancelled() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

// Progress is a cheap, unreconciled view of a running session.
type Progress struct {
	BytesScanned int64 `json:"bytes_scanned"`
	Results      int   `json:"results"`
	Faults       int   `json:"faults"`
	ResumeOffset int64 `json:"resume_offset"`
}

func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Progress{BytesScanned: s.bytesScanned, Results: len(s.results), Faults: len(s.faults), ResumeOffset: s.resume}
}

// Finalize reconciles the recorded results and freezes the session. Later
// calls return the same value.
//
// Results are replayed in resolution order: end offset ascending, later
// start first, so of two overlapping valid carves the one that resolved
// first is kept and the other is counted as abandoned. Two kinds of result
// are not counted at all: files embedded in the leading metadata of a valid
// carve (a thumbnail inside a JPEG belongs to that JPEG) and results whose
// header lies inside an accepted range. Accepted carves whose digest was
// already kept are counted as duplicates and their content is released.
func (s *Session) Finalize() *ScanSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen != nil {
		return s.frozen
	}
	out := &ScanSession{
		ID:               s.id,
		SourceIdentifier: s.sourceID,
		ScanMode:         s.mode,
		Status:           StatusCompleted,
		BytesScanned:     s.bytesScanned,
		StartedAt:        s.startedAt,
		EndedAt:          s.now().UTC(),
		Errors:           coalesce(s.faults),
		ResumeOffset:     s.resume,
		Regions:          s.regions,
		DigestAlgorithm:  s.digest,
		CatalogVersion:   s.catalogVersion,
		RecoveredFiles:   []RecoveredFile{},
	}
	if s.cancelled {
		out.Status = StatusCancelled
	}

	results := s.results
	sort.SliceStable(results, func(i, j int) bool {
		a, b := &results[i], &results[j]
		if a.End != b.End {
			return a.End < b.End
		}
		if a.Start != b.Start {
			return a.Start > b.Start
		}
		return a.TypeName < b.TypeName
	})

	embedded := embeddedResults(results)
	accepted := make([]bool, len(results))
	var kept spans
	for i := range results {
		r := &results[i]
		if embedded[i] || r.Outcome != scanner.OutcomeValid || kept.overlaps(r.Start, r.End) {
			continue
		}
		kept.insert(r.Start, r.End)
		accepted[i] = true
	}

	dd := dedup.NewDeduplicator()
	for i := range results {
		r := &results[i]
		if embedded[i] || (!accepted[i] && kept.contains(r.Start)) {
			_ = r.Content.Release()
			continue
		}
		out.CandidatesOpened++
		switch {
		case r.Outcome == scanner.OutcomeRejected:
			out.CandidatesRejected++
			continue
		case r.Outcome == scanner.OutcomeAbandoned:
			out.CandidatesAbandoned++
			continue
		case !accepted[i]:
			out.CandidatesAbandoned++
			_ = r.Content.Release()
			continue
		}
		out.CandidatesAccepted++
		if !dd.Add(r.Digest) {
			_ = r.Content.Release()
			continue
		}
		out.RecoveredFiles = append(out.RecoveredFiles, RecoveredFile{
			ID:          r.Digest,
			TypeName:    r.TypeName,
			Extension:   r.Extension,
			StartOffset: r.Start,
			EndOffset:   r.End,
			Size:        r.Size(),
			Confidence:  r.Confidence,
			Content:     r.Content,
		})
	}
	out.DuplicatesDropped = dd.Dropped()
	sort.Slice(out.RecoveredFiles, func(i, j int) bool {
		return out.RecoveredFiles[i].StartOffset < out.RecoveredFiles[j].StartOffset
	})
	s.results = nil
	s.inline = 0
	s.frozen = out
	return out
}

// embeddedResults marks results whose header lies inside the leading
// metadata of a valid carve and whose range ends within that carve.
func embeddedResults(results []scanner.Resolution) []bool {
	type host struct{ start, meta, end int64 }
	var hosts []host
	for i := range results {
		r := &results[i]
		if r.Outcome == scanner.OutcomeValid && r.MetaEnd > r.Start {
			hosts = append(hosts, host{r.Start, r.MetaEnd, r.End})
		}
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].start < hosts[j].start })
	marked := make([]bool, len(results))
	if len(hosts) == 0 {
		return marked
	}
	for i := range results {
		r := &results[i]
		// the last host starting before r
		k := sort.Search(len(hosts), func(k int) bool { return hosts[k].start >= r.Start }) - 1
		if k >= 0 && r.Start < hosts[k].meta && r.End <= hosts[k].end {
			marked[i] = true
		}
	}
	return marked
}

// coalesce orders faults by offset and merges adjacent ranges with the
// same cause.
func coalesce(in []source.IoFault) []source.IoFault {
	out := make([]source.IoFault, 0, len(in))
	fs := append([]source.IoFault(nil), in...)
	sort.SliceStable(fs, func(i, j int) bool { return fs[i].Offset < fs[j].Offset })
	for _, f := range fs {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Offset+last.Length >= f.Offset && last.Cause == f.Cause {
				if end := f.Offset + f.Length; end > last.Offset+last.Length {
					last.Length = end - last.Offset
				}
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

// spans is a sorted set of disjoint half-open ranges.
type spans []source.Region

func (s spans) overlaps(start, end int64) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i].End > start })
	return i < len(s) && s[i].Start < end
}

func (s spans) contains(off int64) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i].End > off })
	return i < len(s) && s[i].Start <= off
}

func (s *spans) insert(start, end int64) {
	i := sort.Search(len(*s), func(i int) bool { return (*s)[i].Start >= start })
	*s = append(*s, source.Region{})
	copy((*s)[i+1:], (*s)[i:])
	(*s)[i] = source.Region{Start: start, End: end}
}

// Release removes spool files of every recovered file. Call it once the
// payloads have been exported or stored.
func (s *ScanSession) Release() error {
	var errs []error
	for _, f := range s.RecoveredFiles {
		if err := f.Content.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
