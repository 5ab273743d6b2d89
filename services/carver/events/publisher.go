// Package events publishes scan lifecycle events to NATS.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmguard/carver/libs/go/core/natsctx"
	"github.com/swarmguard/carver/libs/go/core/resilience"
	"github.com/swarmguard/carver/services/carver/recovery"
	"github.com/swarmguard/carver/services/carver/scanner"
	"github.com/swarmguard/carver/services/carver/session"
)

const (
	SubjectStarted  = "carver.v1.scan.started"
	SubjectProgress = "carver.v1.scan.progress"
	SubjectFinished = "carver.v1.scan.finished"
)

// Progress is published after each recorded segment.
type Progress struct {
	SessionID    string `json:"session_id"`
	Segment      int    `json:"segment"`
	SegmentStart int64  `json:"segment_start"`
	SegmentEnd   int64  `json:"segment_end"`
	BytesScanned int64  `json:"bytes_scanned"`
	Resolved     int    `json:"resolved"`
	Faults       int    `json:"faults"`
	ResumeOffset int64  `json:"resume_offset"`
}

// Publisher is a recovery observer that forwards events to a NATS
// connection. A circuit breaker sheds publishes while the bus is failing so
// a scan never waits on it.
type Publisher struct {
	nc      natsctx.Conn
	breaker *resilience.CircuitBreaker
	log     *slog.Logger
	// Progress enables per-segment events.
	Progress bool
}

var _ recovery.Observer = (*Publisher)(nil)

func NewPublisher(nc natsctx.Conn, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		nc:       nc,
		breaker:  resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 10*time.Second, 1),
		log:      log,
		Progress: true,
	}
}

// BreakerState reports the circuit state: closed, open or half-open.
func (p *Publisher) BreakerState() string { return p.breaker.State() }

func (p *Publisher) publish(ctx context.Context, subject string, v any) {
	err := p.breaker.Do(func() error { return natsctx.PublishJSON(ctx, p.nc, subject, v) })
	if err != nil {
		p.log.Warn("event publish failed", "subject", subject, "error", err)
	}
}

func (p *Publisher) ScanStarted(ctx context.Context, s recovery.Started) {
	p.publish(ctx, SubjectStarted, s)
}

func (p *Publisher) SegmentDone(ctx context.Context, id string, res *scanner.SegmentResult, resume int64) {
	if !p.Progress {
		return
	}
	p.publish(ctx, SubjectProgress, Progress{
		SessionID:    id,
		Segment:      res.Segment.Index,
		SegmentStart: res.Segment.Start,
		SegmentEnd:   res.Segment.End,
		BytesScanned: res.BytesScanned,
		Resolved:     len(res.Resolutions),
		Faults:       len(res.Faults),
		ResumeOffset: resume,
	})
}

func (p *Publisher) ScanFinished(ctx context.Context, s *session.ScanSession) {
	p.publish(ctx, SubjectFinished, s)
}
