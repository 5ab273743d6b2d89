package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/carver/libs/go/core/otelinit"
	"github.com/swarmguard/carver/services/carver/session"
)

var (
	ErrScanNotFound   = errors.New("scan not found")
	ErrScanNotRunning = errors.New("scan not running")
)

// Run tracks one scan for cancellation and status queries.
type Run struct {
	ID           string         `json:"id"`
	Source       string         `json:"source"`
	Mode         session.Mode   `json:"mode"`
	Status       session.Status `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      time.Time      `json:"ended_at,omitempty"`
	CancelReason string         `json:"cancel_reason,omitempty"`

	cancel context.CancelFunc
}

// Registry maps session IDs to running scans.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*Run

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

func NewRegistry() *Registry {
	c, _ := otel.Meter(otelinit.MeterName).Int64Counter("carver_scan_cancellations_total")
	return &Registry{
		runs:          make(map[string]*Run),
		cancellations: c,
		tracer:        otel.Tracer("carver-recovery"),
	}
}

// Register starts tracking a scan.
func (r *Registry) Register(id, src string, mode session.Mode, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[id] = &Run{ID: id, Source: src, Mode: mode, Status: session.StatusRunning, StartedAt: time.Now(), cancel: cancel}
}

// Cancel stops a running scan. The scan finalizes its session as cancelled.
func (r *Registry) Cancel(ctx context.Context, id, reason string) error {
	ctx, span := r.tracer.Start(ctx, "recovery.cancel", trace.WithAttributes(
		attribute.String("session_id", id),
		attribute.String("reason", reason),
	))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScanNotFound, id)
	}
	if run.Status != session.StatusRunning {
		return fmt.Errorf("%w: %s (status: %s)", ErrScanNotRunning, id, run.Status)
	}
	run.cancel()
	run.CancelReason = reason
	run.Status = session.StatusCancelled
	r.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(run.Mode))))
	span.AddEvent("scan_cancelled")
	return nil
}

// Complete records the final status; the entry stays for status queries
// until Cleanup.
func (r *Registry) Complete(id string, status session.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[id]; ok {
		run.Status = status
		run.EndedAt = time.Now()
		run.cancel()
	}
}

// Status returns the status of a scan.
func (r *Registry) Status(id string) (session.Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return "", false
	}
	return run.Status, true
}

// Active lists running scans.
func (r *Registry) Active() []Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Run
	for _, run := range r.runs {
		if run.Status == session.StatusRunning {
			out = append(out, *run)
		}
	}
	return out
}

// Cleanup drops finished scans older than retention and returns how many.
func (r *Registry) Cleanup(retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, run := range r.runs {
		if run.Status == session.StatusRunning || run.EndedAt.IsZero() {
			continue
		}
		if time.Since(run.EndedAt) > retention {
			delete(r.runs, id)
			n++
		}
	}
	return n
}

// CancelAll cancels every running scan, for shutdown.
func (r *Registry) CancelAll(ctx context.Context, reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, run := range r.runs {
		if run.Status != session.StatusRunning {
			continue
		}
		run.cancel()
		run.CancelReason = reason
		run.Status = session.StatusCancelled
		r.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(run.Mode))))
		n++
	}
	return n
}
