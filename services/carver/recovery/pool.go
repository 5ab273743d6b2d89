package recovery

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/swarmguard/carver/libs/go/core/otelinit"
	"github.com/swarmguard/carver/services/carver/scanner"
	"github.com/swarmguard/carver/services/carver/source"
)

// segmentPool scans segments concurrently. Each worker holds its own
// source handle for its whole lifetime.
type segmentPool struct {
	scanner *scanner.Scanner
	src     source.Source
	workers int
	jobs    chan scanner.Segment
	results chan segmentDone
	wg      sync.WaitGroup
}

type segmentDone struct {
	seg scanner.Segment
	res *scanner.SegmentResult
	err error
}

func newSegmentPool(ctx context.Context, sc *scanner.Scanner, src source.Source, workers int) *segmentPool {
	if workers < 1 {
		workers = 4
	}
	p := &segmentPool{
		scanner: sc,
		src:     src,
		workers: workers,
		jobs:    make(chan scanner.Segment, workers*2),
		results: make(chan segmentDone, workers*2),
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

func (p *segmentPool) worker(ctx context.Context) {
	defer p.wg.Done()
	h, openErr := p.src.Open(ctx)
	if openErr == nil {
		defer h.Close()
	}
	for seg := range p.jobs {
		if ctx.Err() != nil {
			p.results <- segmentDone{seg: seg, err: ctx.Err()}
			continue
		}
		if openErr != nil {
			// The source went away after the scan started: the whole
			// segment is unreadable from this worker.
			p.results <- segmentDone{seg: seg, res: unreadable(seg, openErr)}
			continue
		}
		sctx, end := otelinit.WithSpan(ctx, "carver.segment",
			attribute.Int("segment.index", seg.Index),
			attribute.Int64("segment.start", seg.Start),
			attribute.Int64("segment.end", seg.End),
		)
		res, err := p.scanner.ScanSegment(sctx, h, seg)
		end()
		if err != nil {
			err = fmt.Errorf("segment %d [%d,%d): %w", seg.Index, seg.Start, seg.End, err)
		}
		p.results <- segmentDone{seg: seg, res: res, err: err}
	}
}

func unreadable(seg scanner.Segment, cause error) *scanner.SegmentResult {
	return &scanner.SegmentResult{
		Segment: seg,
		Faults:  []*source.IoFault{source.NewIoFault(seg.Start, seg.End-seg.Start, cause)},
	}
}

// submit queues segments until done or ctx is cancelled, then closes the
// pool. Run it in its own goroutine and drain results until closed.
func (p *segmentPool) submit(ctx context.Context, segs []scanner.Segment) {
	defer p.close()
	for _, s := range segs {
		select {
		case p.jobs <- s:
		case <-ctx.Done():
			return
		}
	}
}

func (p *segmentPool) close() {
	close(p.jobs)
	p.wg.Wait()
	close(p.results)
}
