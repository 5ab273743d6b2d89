package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/swarmguard/carver/services/carver/catalog"
	"github.com/swarmguard/carver/services/carver/source"
	"github.com/swarmguard/carver/services/carver/validate"
)

// alternative is one descriptor a candidate may turn out to be.
type alternative struct {
	desc *catalog.Descriptor
	// complete is the exclusive end offset once a trailer or declared size
	// fixed it, -1 while still searching.
	complete int64
	done     bool
	// meta is the absolute end of the leading metadata once metaKnown.
	meta      int64
	metaKnown bool
}

type candidate struct {
	start    int64
	seq      uint64
	alts     []*alternative
	live     int
	rejected *Resolution
}

type carver struct {
	ctx   context.Context
	s     *Scanner
	h     source.Handle
	ra    *handleReaderAt
	seg   Segment
	cands map[int64]*candidate
	seq   uint64
	// scanned is the offset up to which every byte has passed the matcher.
	scanned    int64
	maxPattern int64
	out        *SegmentResult
}

func newCarver(ctx context.Context, s *Scanner, h source.Handle, seg Segment) *carver {
	return &carver{
		ctx:        ctx,
		s:          s,
		h:          h,
		ra:         &handleReaderAt{ctx: ctx, h: h},
		seg:        seg,
		cands:      make(map[int64]*candidate),
		scanned:    seg.Start,
		maxPattern: int64(s.cat.MaxPatternLength()),
		out:        &SegmentResult{Segment: seg, TypeHits: make(map[string]int64)},
	}
}

func (c *carver) run() error {
	seg := c.seg
	overlap := int(c.maxPattern) - 1
	lookahead := seg.End + int64(c.s.cat.MaxHeaderReach()-1)
	var buf []byte
	tail := 0
	pos := seg.Start
	for pos < seg.Limit {
		if err := c.ctx.Err(); err != nil {
			return err
		}
		if pos >= lookahead {
			if len(c.cands) == 0 {
				break
			}
			if c.onlyDeclaredRemain(pos) {
				c.settle(math.MaxInt64)
				break
			}
		}
		n := min(int64(c.s.opts.ChunkSize), seg.Limit-pos)
		data, err := c.h.ReadChunk(c.ctx, pos, int(n))
		if len(data) > 0 {
			buf = append(buf[:0], buf[len(buf)-tail:]...)
			buf = append(buf, data...)
			c.scanWindow(buf, pos-int64(tail), pos)
			c.count(pos, int64(len(data)))
			pos += int64(len(data))
			c.scanned = pos
			tail = min(overlap, len(buf))
			c.settle(pos + 1)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			var fault *source.IoFault
			if !errors.As(err, &fault) {
				return err
			}
			c.fault(fault)
			buf, tail = buf[:0], 0
			pos = fault.Offset + fault.Length
			c.scanned = pos
			continue
		}
		if len(data) == 0 {
			break
		}
	}
	c.finish(pos)
	return nil
}

// count credits delivered bytes that fall inside the owned range.
func (c *carver) count(off, n int64) {
	lo, hi := max(off, c.seg.Start), min(off+n, c.seg.End)
	if hi > lo {
		c.out.BytesScanned += hi - lo
	}
}

func (c *carver) scanWindow(window []byte, winStart, fresh int64) {
	for _, hit := range c.s.cat.Match(window) {
		end := winStart + int64(hit.End)
		if end <= fresh {
			continue
		}
		c.settle(end)
		if hit.Kind == catalog.KindTrailer {
			c.trailer(hit.Descriptor, end)
		} else {
			c.header(hit.Descriptor, end)
		}
	}
}

func (c *carver) header(d *catalog.Descriptor, end int64) {
	at := end - int64(len(d.Header))
	start := at - int64(d.HeaderOffset)
	if start < c.seg.Base {
		return
	}
	for _, cand := range c.cands {
		if cand.start >= start {
			continue
		}
		for _, a := range cand.alts {
			if a.done || a.desc.TypeName == d.TypeName {
				continue
			}
			if at-cand.start >= a.desc.MinSize || d.Strength() <= a.desc.Strength() {
				continue
			}
			// a header inside the candidate's own metadata (an EXIF block,
			// an ID3 picture) is part of the file, not a sign it was spurious
			if c.insideMetadata(cand, a, at) {
				continue
			}
			c.abandon(cand, a, at, "superseded by %s header at %d", d.TypeName, at)
		}
	}
	if start < c.seg.Start || start >= c.seg.End {
		return
	}
	c.out.HeaderHits++
	c.out.TypeHits[d.TypeName]++

	cand, ok := c.cands[start]
	if ok {
		for _, a := range cand.alts {
			if a.desc == d {
				return
			}
		}
	} else {
		if len(c.cands) >= c.s.opts.MaxCandidates && !c.evict(end) {
			c.out.Evictions++
			c.out.Resolutions = append(c.out.Resolutions, Resolution{
				TypeName: d.TypeName, Extension: d.Extension, Start: start, End: end,
				Outcome: OutcomeAbandoned, Reason: "candidate ceiling reached",
			})
			return
		}
		c.seq++
		cand = &candidate{start: start, seq: c.seq}
		c.cands[start] = cand
	}
	a := &alternative{desc: d, complete: -1}
	cand.alts = append(cand.alts, a)
	cand.live++
	if len(d.Trailer) == 0 {
		c.declare(cand, a)
	}
}

// declare fixes the end of a trailer-less alternative from the size the
// file records about itself.
func (c *carver) declare(cand *candidate, a *alternative) {
	limit := min(a.desc.MaxSize, c.seg.Limit-cand.start)
	c.ra.err = nil
	size, err := a.desc.Validator.DeclaredSize(io.NewSectionReader(c.ra, cand.start, limit), limit)
	switch {
	case err != nil:
		c.abandon(cand, a, cand.start+int64(a.desc.HeaderReach()), "declared size unreadable: %v", err)
	case size < a.desc.MinSize:
		c.abandon(cand, a, cand.start+size, "declared size %d below min_size %d", size, a.desc.MinSize)
	case size > a.desc.MaxSize:
		c.abandon(cand, a, cand.start+a.desc.MaxSize, "declared size %d exceeds max_size %d", size, a.desc.MaxSize)
	default:
		a.complete = cand.start + size
	}
}

func (c *carver) trailer(d *catalog.Descriptor, end int64) {
	at := end - int64(len(d.Trailer))
	fileEnd := end + int64(d.TrailerSlack)
	for _, cand := range c.cands {
		for _, a := range cand.alts {
			if a.done || a.desc != d || a.complete >= 0 {
				continue
			}
			if at < cand.start+int64(d.HeaderReach()) || fileEnd-cand.start < d.MinSize {
				continue
			}
			if fileEnd-cand.start > d.MaxSize {
				c.abandon(cand, a, cand.start+d.MaxSize, "exceeded max_size %d", d.MaxSize)
				continue
			}
			if c.insideMetadata(cand, a, at) {
				continue
			}
			a.complete = fileEnd
		}
	}
}

// insideMetadata reports whether a trailer at at still lies in the leading
// metadata of the alternative, where a trailer belongs to an embedded file.
// The walk is retried at each trailer until the metadata fits before one.
func (c *carver) insideMetadata(cand *candidate, a *alternative, at int64) bool {
	if a.metaKnown {
		return at < a.meta
	}
	c.ra.err = nil
	n, err := a.desc.Validator.MetadataEnd(io.NewSectionReader(c.ra, cand.start, at-cand.start), at-cand.start)
	switch {
	case err == nil:
		a.meta, a.metaKnown = cand.start+n, true
		return at < a.meta
	case errors.Is(err, validate.ErrTruncated) && c.ra.err == nil:
		return true
	default:
		// malformed or unreadable: the validator decides at completion
		a.meta, a.metaKnown = 0, true
		return false
	}
}

type dueAlt struct {
	cand *candidate
	alt  *alternative
}

// settle resolves everything decided before position pos: alternatives
// whose end lies before pos complete, and alternatives that can no longer
// find a trailer within max_size are abandoned.
func (c *carver) settle(pos int64) {
	var due []dueAlt
	for _, cand := range c.cands {
		for _, a := range cand.alts {
			if a.done {
				continue
			}
			if a.complete >= 0 {
				if a.complete < pos {
					due = append(due, dueAlt{cand, a})
				}
				continue
			}
			if pos-cand.start > a.desc.MaxSize-int64(a.desc.TrailerSlack) {
				c.abandon(cand, a, cand.start+a.desc.MaxSize, "no trailer within max_size %d", a.desc.MaxSize)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool {
		x, y := due[i], due[j]
		if x.alt.complete != y.alt.complete {
			return x.alt.complete < y.alt.complete
		}
		if x.cand.start != y.cand.start {
			return x.cand.start > y.cand.start
		}
		return x.alt.desc.TypeName < y.alt.desc.TypeName
	})
	for _, d := range due {
		if !d.alt.done {
			c.complete(d.cand, d.alt)
		}
	}
}

// onlyDeclaredRemain reports whether every open alternative already knows
// its end and no unseen header could still supersede it, so the bytes up to
// those ends need not pass through the matcher.
func (c *carver) onlyDeclaredRemain(pos int64) bool {
	for _, cand := range c.cands {
		for _, a := range cand.alts {
			if a.done {
				continue
			}
			if a.complete < 0 || pos < cand.start+a.desc.MinSize+c.maxPattern-1 {
				return false
			}
		}
	}
	return true
}

func (c *carver) complete(cand *candidate, a *alternative) {
	d := a.desc
	size := a.complete - cand.start
	if a.complete > c.seg.Limit {
		c.abandon(cand, a, c.seg.Limit, "truncated at region end %d", c.seg.Limit)
		return
	}
	c.ra.err = nil
	res := d.Validator.Validate(io.NewSectionReader(c.ra, cand.start, size), size)
	if c.ra.err != nil {
		c.abandon(cand, a, a.complete, "unreadable: %v", c.ra.err)
		return
	}
	if !res.Valid {
		if a.complete > c.scanned {
			// bytes beyond the matcher were never checked for faults
			if _, err := io.Copy(io.Discard, io.NewSectionReader(c.ra, cand.start, size)); err != nil {
				c.abandon(cand, a, a.complete, "unreadable: %v", err)
				return
			}
		}
		a.done = true
		cand.live--
		cand.rejected = &Resolution{
			TypeName: d.TypeName, Extension: d.Extension, Start: cand.start, End: a.complete,
			Outcome: OutcomeRejected, Reason: res.Reason, MinSize: d.MinSize, MaxSize: d.MaxSize,
		}
		c.s.opts.Logger.Debug("candidate rejected", "type", d.TypeName, "offset", cand.start, "size", size, "reason", res.Reason)
		if cand.live == 0 {
			c.resolve(cand, *cand.rejected)
		}
		return
	}
	content, digest, err := c.capture(cand.start, size)
	if err != nil {
		c.abandon(cand, a, a.complete, "capture failed: %v", err)
		return
	}
	var meta int64
	if n, err := d.Validator.MetadataEnd(io.NewSectionReader(c.ra, cand.start, size), size); err == nil && n > 0 {
		meta = cand.start + n
	}
	c.resolve(cand, Resolution{
		TypeName: d.TypeName, Extension: d.Extension, Start: cand.start, End: a.complete,
		Outcome: OutcomeValid, Confidence: res.Confidence, Digest: digest, Content: content,
		MinSize: d.MinSize, MaxSize: d.MaxSize, MetaEnd: meta,
	})
}

// capture copies the payload out of the source and digests it in one pass.
func (c *carver) capture(start, size int64) (Content, string, error) {
	sec := io.NewSectionReader(c.ra, start, size)
	h := c.s.opts.Hasher
	if size <= c.s.opts.InlineLimit {
		buf := make([]byte, size)
		if _, err := io.ReadFull(sec, buf); err != nil {
			return Content{}, "", err
		}
		return Content{Data: buf}, h.SumBytes(buf), nil
	}
	f, err := os.CreateTemp(c.s.opts.SpoolDir, "carve-*.part")
	if err != nil {
		return Content{}, "", fmt.Errorf("spool: %w", err)
	}
	digest, err := h.Sum(io.TeeReader(sec, f))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return Content{}, "", err
	}
	return Content{Path: f.Name()}, digest, nil
}

func (c *carver) abandon(cand *candidate, a *alternative, at int64, format string, args ...any) {
	if a.done {
		return
	}
	a.done = true
	cand.live--
	if cand.live > 0 {
		return
	}
	if cand.rejected != nil {
		c.resolve(cand, *cand.rejected)
		return
	}
	c.resolve(cand, Resolution{
		TypeName: a.desc.TypeName, Extension: a.desc.Extension, Start: cand.start, End: max(at, cand.start+1),
		Outcome: OutcomeAbandoned, Reason: fmt.Sprintf(format, args...),
	})
}

func (c *carver) abandonAll(cand *candidate, at int64, format string, args ...any) {
	for _, a := range cand.alts {
		c.abandon(cand, a, at, format, args...)
	}
}

func (c *carver) resolve(cand *candidate, r Resolution) {
	for _, a := range cand.alts {
		a.done = true
	}
	cand.live = 0
	delete(c.cands, cand.start)
	c.out.Resolutions = append(c.out.Resolutions, r)
}

// evict abandons the oldest candidate still below its min_size at pos.
func (c *carver) evict(pos int64) bool {
	var victim *candidate
	for _, cand := range c.cands {
		below := true
		for _, a := range cand.alts {
			if !a.done && pos-cand.start >= a.desc.MinSize {
				below = false
				break
			}
		}
		if below && (victim == nil || cand.seq < victim.seq) {
			victim = cand
		}
	}
	if victim == nil {
		return false
	}
	c.out.Evictions++
	c.abandonAll(victim, pos, "evicted at candidate ceiling")
	return true
}

// fault records an unreadable range and abandons every candidate spanning it.
func (c *carver) fault(f *source.IoFault) {
	if f.Offset >= c.seg.Start && f.Offset < c.seg.End {
		c.out.Faults = append(c.out.Faults, f)
	}
	c.settle(f.Offset + 1)
	for _, cand := range c.cands {
		c.abandonAll(cand, f.Offset, "unreadable gap at %d", f.Offset)
	}
}

func (c *carver) finish(pos int64) {
	c.settle(pos + 1)
	for _, cand := range c.cands {
		c.abandonAll(cand, pos, "truncated at region end %d", pos)
	}
}

// release drops spooled payloads of a segment that is being discarded.
func (c *carver) release() {
	for _, r := range c.out.Resolutions {
		_ = r.Content.Release()
	}
}

// handleReaderAt adapts a Handle for random access by validators and
// sizers. The first non-EOF error is kept so callers can tell a structural
// rejection from an unreadable range.
type handleReaderAt struct {
	ctx context.Context
	h   source.Handle
	err error
}

func (r *handleReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		b, err := r.h.ReadChunk(r.ctx, off+int64(n), len(p)-n)
		n += copy(p[n:], b)
		if err != nil {
			if !errors.Is(err, io.EOF) && r.err == nil {
				r.err = err
			}
			return n, err
		}
		if len(b) == 0 {
			return n, io.EOF
		}
	}
	return n, nil
}
