// Package recovery runs scans: it plans segments over a source, carves them
// on a bounded worker pool and folds the results into one session.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/swarmguard/carver/libs/go/core/logging"
	"github.com/swarmguard/carver/libs/go/core/otelinit"
	"github.com/swarmguard/carver/services/carver/catalog"
	"github.com/swarmguard/carver/services/carver/scanner"
	"github.com/swarmguard/carver/services/carver/session"
	"github.com/swarmguard/carver/services/carver/source"
)

const (
	DefaultSegmentSize  = 64 << 20
	DefaultInlineBudget = 64 << 20
)

// ErrNoRegions is returned for a quick scan with nothing to scan.
var ErrNoRegions = errors.New("quick scan needs at least one region inside the source")

// Options configure an Engine. Zero values select defaults.
type Options struct {
	Workers int
	// SegmentSize is rounded up to a multiple of SectorSize.
	SegmentSize int64
	SectorSize  int
	// InlineBudget caps payload bytes a session keeps in memory; payloads
	// beyond it are spooled to Scanner.SpoolDir.
	InlineBudget int64
	Scanner      scanner.Options
	Observers    []Observer
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.SectorSize <= 0 {
		o.SectorSize = source.DefaultSectorSize
	}
	if o.SegmentSize <= 0 {
		o.SegmentSize = DefaultSegmentSize
	}
	if r := o.SegmentSize % int64(o.SectorSize); r != 0 {
		o.SegmentSize += int64(o.SectorSize) - r
	}
	if o.InlineBudget <= 0 {
		o.InlineBudget = DefaultInlineBudget
	}
	if o.Scanner.SpoolDir == "" {
		o.Scanner.SpoolDir = os.TempDir()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Scanner.Logger == nil {
		o.Scanner.Logger = o.Logger
	}
	if o.Scanner.Metrics == nil {
		o.Scanner.Metrics = scanner.NewMetricsCollector()
	}
	return o
}

// Engine runs scans. It is safe for concurrent use; each scan gets its
// own session.
type Engine struct {
	opts     Options
	registry *Registry
	log      *slog.Logger
}

func NewEngine(opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{opts: opts, registry: NewRegistry(), log: opts.Logger}
}

func (e *Engine) Registry() *Registry { return e.registry }

// Metrics returns the collector shared by every scan of this engine.
func (e *Engine) Metrics() *scanner.MetricsCollector { return e.opts.Scanner.Metrics }

// AddObserver registers o for scans started afterwards.
func (e *Engine) AddObserver(o Observer) { e.opts.Observers = append(e.opts.Observers, o) }

// ScanOption adjusts a single scan.
type ScanOption func(*scanRequest)

type scanRequest struct {
	id         string
	regions    []source.Region
	types      []string
	resumeFrom int64
}

// WithID sets the session ID instead of a generated UUID.
func WithID(id string) ScanOption { return func(r *scanRequest) { r.id = id } }

// WithRegions sets the ranges a quick scan covers.
func WithRegions(regions []source.Region) ScanOption {
	return func(r *scanRequest) { r.regions = append([]source.Region(nil), regions...) }
}

// WithTypes restricts carving to the named types.
func WithTypes(types ...string) ScanOption { return func(r *scanRequest) { r.types = types } }

// WithResumeFrom skips everything before off, typically the resume offset
// of a cancelled session.
func WithResumeFrom(off int64) ScanOption { return func(r *scanRequest) { r.resumeFrom = off } }

// Cancel stops a running scan; it finalizes with status cancelled.
func (e *Engine) Cancel(ctx context.Context, sessionID string) error {
	return e.registry.Cancel(ctx, sessionID, "requested")
}

// Scan carves src and returns the finalized session. The only error after
// the source has been opened is a configuration error; faults and
// cancellation are reported inside the session.
func (e *Engine) Scan(ctx context.Context, src source.Source, mode session.Mode, cat *catalog.Catalog, opts ...ScanOption) (*session.ScanSession, error) {
	req := scanRequest{}
	for _, o := range opts {
		o(&req)
	}
	if req.id == "" {
		req.id = uuid.NewString()
	}
	if cat == nil {
		cat = catalog.Default()
	}
	cat, err := cat.Restrict(req.types)
	if err != nil {
		return nil, err
	}

	h, err := src.Open(ctx)
	if err != nil {
		if !errors.Is(err, source.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %s: %v", source.ErrSourceUnavailable, src.Identifier(), err)
		}
		return nil, err
	}
	size := h.Size()
	h.Close()

	regions, err := plan(mode, req, size)
	if err != nil {
		return nil, err
	}
	segs := e.segments(regions)

	ctx, end := otelinit.WithSpan(ctx, "carver.scan",
		attribute.String("session_id", req.id),
		attribute.String("source", src.Identifier()),
		attribute.String("mode", string(mode)),
		attribute.Int("segments", len(segs)),
	)
	defer end()
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := session.Begin(req.id, src.Identifier(), mode,
		session.WithDigest(e.opts.Scanner.Hasher.Name()),
		session.WithCatalogVersion(cat.Version()),
		session.WithRegions(regions),
		session.WithSpill(e.opts.InlineBudget, e.opts.Scanner.SpoolDir),
	)
	if len(segs) > 0 {
		sess.Advance(segs[0].Start)
	}
	e.registry.Register(req.id, src.Identifier(), mode, cancel)
	log := e.log.With("session_id", req.id)
	log.Info("scan started", "source", src.Identifier(), "mode", mode,
		"size", logging.Bytes(size), "segments", len(segs), "workers", e.opts.Workers, "catalog", cat.Version())
	for _, o := range e.opts.Observers {
		o.ScanStarted(ctx, Started{
			ID: req.id, Source: src.Identifier(), Mode: mode, Size: size,
			Regions: regions, Segments: len(segs), CatalogVersion: cat.Version(),
		})
	}

	pool := newSegmentPool(scanCtx, scanner.New(cat, e.opts.Scanner), src, e.opts.Workers)
	go pool.submit(scanCtx, segs)

	done := make([]bool, len(segs))
	next := 0
	for d := range pool.results {
		if scanCtx.Err() != nil {
			discard(d.res)
			continue
		}
		res := d.res
		if d.err != nil {
			log.Warn("segment failed, recording it as unreadable", "segment", d.seg.Index, "error", d.err)
			res = unreadable(d.seg, d.err)
		}
		e.logSegment(log, res)
		if err := sess.RecordSegment(res); err != nil {
			log.Error("record segment", "error", err)
			continue
		}
		done[d.seg.Index] = true
		for next < len(segs) && done[next] {
			sess.Advance(segs[next].End)
			next++
		}
		resume := sess.Progress().ResumeOffset
		for _, o := range e.opts.Observers {
			o.SegmentDone(ctx, req.id, res, resume)
		}
	}
	if next < len(segs) {
		sess.MarkCancelled()
	}

	out := sess.Finalize()
	e.registry.Complete(req.id, out.Status)
	log.Info("scan finished", "status", out.Status,
		"bytes", logging.Bytes(out.BytesScanned), "opened", out.CandidatesOpened,
		"accepted", out.CandidatesAccepted, "rejected", out.CandidatesRejected,
		"abandoned", out.CandidatesAbandoned, "duplicates", out.DuplicatesDropped,
		"files", len(out.RecoveredFiles), "faults", len(out.Errors), "resume_offset", out.ResumeOffset)
	for _, o := range e.opts.Observers {
		o.ScanFinished(ctx, out)
	}
	return out, nil
}

func (e *Engine) logSegment(log *slog.Logger, res *scanner.SegmentResult) {
	for _, f := range res.Faults {
		log.Warn("unreadable range skipped", "offset", f.Offset, "length", f.Length, "cause", f.Cause)
	}
	if !log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	for i := range res.Resolutions {
		r := &res.Resolutions[i]
		if r.Outcome == scanner.OutcomeValid {
			continue
		}
		log.Debug("candidate "+r.Outcome.String(), "type", r.TypeName, "start", r.Start, "end", r.End, "reason", r.Reason)
	}
}

func discard(res *scanner.SegmentResult) {
	if res == nil {
		return
	}
	for i := range res.Resolutions {
		_ = res.Resolutions[i].Content.Release()
	}
}

// plan resolves the byte ranges a scan covers.
func plan(mode session.Mode, req scanRequest, size int64) ([]source.Region, error) {
	var regions []source.Region
	switch mode {
	case session.ModeDeep:
		regions = []source.Region{{Start: 0, End: size}}
	case session.ModeQuick:
		regions = req.regions
	default:
		return nil, fmt.Errorf("unknown scan mode %q", mode)
	}
	if req.resumeFrom > 0 {
		clipped := make([]source.Region, 0, len(regions))
		for _, r := range regions {
			if r.Start < req.resumeFrom {
				r.Start = req.resumeFrom
			}
			clipped = append(clipped, r)
		}
		regions = clipped
	}
	regions = source.Normalize(regions, size)
	if mode == session.ModeQuick && len(regions) == 0 {
		return nil, ErrNoRegions
	}
	return regions, nil
}

// segments splits regions into work units. Each segment carries the bounds
// of its region so carving never crosses into bytes the scan excludes.
func (e *Engine) segments(regions []source.Region) []scanner.Segment {
	var out []scanner.Segment
	for _, r := range regions {
		for _, p := range source.Split([]source.Region{r}, e.opts.SegmentSize) {
			out = append(out, scanner.Segment{Index: len(out), Base: r.Start, Start: p.Start, End: p.End, Limit: r.End})
		}
	}
	return out
}
