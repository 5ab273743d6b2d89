// Package scanner carves candidate files out of one segment of a byte source.
//
// A segment owns the candidates whose start offset lies inside it. The
// scanner reads past the segment end only as far as its own candidates
// need, so every candidate is carved by exactly one worker and its outcome
// depends only on the bytes of the source, never on how the range was
// partitioned. Overlap between results of different segments is settled
// later by the session.
package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/swarmguard/carver/services/carver/catalog"
	"github.com/swarmguard/carver/services/carver/dedup"
	"github.com/swarmguard/carver/services/carver/source"
	"github.com/swarmguard/carver/services/carver/validate"
)

const (
	DefaultChunkSize     = 1 << 20
	DefaultMaxCandidates = 1024
	DefaultInlineLimit   = 64 << 10
)

// Options tune a Scanner. Zero values select defaults.
type Options struct {
	ChunkSize int
	// MaxCandidates bounds simultaneously open candidates per segment.
	MaxCandidates int
	// InlineLimit is the largest payload kept in memory; larger ones are
	// spooled to a temporary file in SpoolDir.
	InlineLimit int64
	SpoolDir    string
	Hasher      dedup.Hasher
	Metrics     *MetricsCollector
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = DefaultMaxCandidates
	}
	if o.InlineLimit <= 0 {
		o.InlineLimit = DefaultInlineLimit
	}
	if o.SpoolDir == "" {
		o.SpoolDir = os.TempDir()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Segment is a unit of work. Candidates starting in [Start, End) belong to
// it; carving may read up to Limit, the end of the enclosing scan region.
// Base is the start of that region: headers implying a start before it are
// ignored.
type Segment struct {
	Index int   `json:"index"`
	Base  int64 `json:"base"`
	Start int64 `json:"start"`
	End   int64 `json:"end"`
	Limit int64 `json:"limit"`
}

// Outcome is how a candidate left the scanner.
type Outcome uint8

const (
	OutcomeValid Outcome = iota
	OutcomeRejected
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeValid:
		return "valid"
	case OutcomeRejected:
		return "rejected"
	default:
		return "abandoned"
	}
}

// Content holds a carved payload either inline or in a spool file.
type Content struct {
	Data []byte
	Path string
}

// Open returns a reader over the payload.
func (c Content) Open() (io.ReadCloser, error) {
	if c.Path != "" {
		return os.Open(c.Path)
	}
	return io.NopCloser(bytes.NewReader(c.Data)), nil
}

// Spill moves inline content into a spool file in dir. Spooled content is
// returned unchanged.
func (c Content) Spill(dir string) (Content, error) {
	if c.Path != "" {
		return c, nil
	}
	f, err := os.CreateTemp(dir, "carve-*.part")
	if err != nil {
		return c, fmt.Errorf("spool: %w", err)
	}
	_, err = f.Write(c.Data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return c, fmt.Errorf("spool: %w", err)
	}
	return Content{Path: f.Name()}, nil
}

// Release removes a spool file. Inline content needs no release.
func (c Content) Release() error {
	if c.Path == "" {
		return nil
	}
	err := os.Remove(c.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Resolution is the final state of one candidate.
type Resolution struct {
	TypeName   string
	Extension  string
	Start      int64
	End        int64
	Outcome    Outcome
	Confidence validate.Confidence
	Reason     string
	Digest     string
	Content    Content
	// MinSize and MaxSize are the bounds of the accepted type.
	MinSize int64
	MaxSize int64
	// MetaEnd ends the leading metadata of a valid carve (0 when the type
	// has none). Files whose header lies in [Start, MetaEnd) are embedded
	// in this one, like an EXIF thumbnail.
	MetaEnd int64
}

// Size is End - Start.
func (r *Resolution) Size() int64 { return r.End - r.Start }

// SegmentResult is everything one worker learned about its segment.
type SegmentResult struct {
	Segment      Segment
	BytesScanned int64
	HeaderHits   int64
	TypeHits     map[string]int64
	// Resolutions are in resolution order: End ascending, later Start first.
	Resolutions []Resolution
	Faults      []*source.IoFault
	Evictions   int64
}

// Scanner carves segments against one catalog. It is safe for concurrent
// use; each call to ScanSegment keeps its own state.
type Scanner struct {
	cat  *catalog.Catalog
	opts Options
}

// New returns a Scanner for cat.
func New(cat *catalog.Catalog, opts Options) *Scanner {
	return &Scanner{cat: cat, opts: opts.withDefaults()}
}

// Catalog returns the catalog the scanner matches against.
func (s *Scanner) Catalog() *catalog.Catalog { return s.cat }

// ScanSegment carves seg through h. Faults are recorded and skipped; only
// cancellation or an unexpected read error aborts the segment, in which case
// payloads already spooled are released.
func (s *Scanner) ScanSegment(ctx context.Context, h source.Handle, seg Segment) (*SegmentResult, error) {
	if seg.Limit < seg.End {
		seg.Limit = seg.End
	}
	if size := h.Size(); seg.Limit > size {
		seg.Limit = size
	}
	started := time.Now()
	c := newCarver(ctx, s, h, seg)
	if err := c.run(); err != nil {
		c.release()
		return nil, err
	}
	res := c.out
	sortResolutions(res.Resolutions)
	s.opts.Metrics.RecordSegment(ctx, res, time.Since(started))
	return res, nil
}

func sortResolutions(rs []Resolution) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].End != rs[j].End {
			return rs[i].End < rs[j].End
		}
		if rs[i].Start != rs[j].Start {
			return rs[i].Start > rs[j].Start
		}
		return rs[i].TypeName < rs[j].TypeName
	})
}
