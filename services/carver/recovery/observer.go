package recovery

import (
	"context"

	"github.com/swarmguard/carver/services/carver/scanner"
	"github.com/swarmguard/carver/services/carver/session"
	"github.com/swarmguard/carver/services/carver/source"
)

// Started describes a scan that has just begun.
type Started struct {
	ID             string          `json:"id"`
	Source         string          `json:"source_identifier"`
	Mode           session.Mode    `json:"scan_mode"`
	Size           int64           `json:"size"`
	Regions        []source.Region `json:"regions"`
	Segments       int             `json:"segments"`
	CatalogVersion string          `json:"catalog_version"`
}

// Observer receives scan progress. All calls for one scan come from its
// consumer goroutine, in order.
type Observer interface {
	ScanStarted(ctx context.Context, s Started)
	// SegmentDone is called for each recorded segment with the resume
	// offset after recording it.
	SegmentDone(ctx context.Context, sessionID string, res *scanner.SegmentResult, resume int64)
	ScanFinished(ctx context.Context, s *session.ScanSession)
}

// Hooks adapts plain functions to Observer. Nil fields are skipped.
type Hooks struct {
	OnStart   func(context.Context, Started)
	OnSegment func(context.Context, string, *scanner.SegmentResult, int64)
	OnFinish  func(context.Context, *session.ScanSession)
}

func (h Hooks) ScanStarted(ctx context.Context, s Started) {
	if h.OnStart != nil {
		h.OnStart(ctx, s)
	}
}

func (h Hooks) SegmentDone(ctx context.Context, id string, res *scanner.SegmentResult, resume int64) {
	if h.OnSegment != nil {
		h.OnSegment(ctx, id, res, resume)
	}
}

func (h Hooks) ScanFinished(ctx context.Context, s *session.ScanSession) {
	if h.OnFinish != nil {
		h.OnFinish(ctx, s)
	}
}
