package scanner

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/carver/libs/go/core/otelinit"
)

// MetricsCollector aggregates carving counters across workers for progress
// reporting and mirrors them to OpenTelemetry instruments.
type MetricsCollector struct {
	mu sync.RWMutex

	BytesScanned int64
	HeaderHits   int64
	Opened       int64
	Valid        int64
	Rejected     int64
	Abandoned    int64
	Faults       int64
	Segments     int64

	// segment latency buckets: <10ms, <100ms, <1s, <10s, >=10s
	LatencyHistogram []int64
	TypeHits         map[string]int64

	startedAt time.Time
	inst      instruments
}

type instruments struct {
	bytes    metric.Int64Counter
	hits     metric.Int64Counter
	outcomes metric.Int64Counter
	faults   metric.Int64Counter
	segment  metric.Float64Histogram
}

// NewMetricsCollector registers instruments on the global meter provider.
func NewMetricsCollector() *MetricsCollector {
	meter := otel.Meter(otelinit.MeterName)
	var in instruments
	in.bytes, _ = meter.Int64Counter("carver_bytes_scanned_total")
	in.hits, _ = meter.Int64Counter("carver_header_hits_total")
	in.outcomes, _ = meter.Int64Counter("carver_candidates_total")
	in.faults, _ = meter.Int64Counter("carver_io_faults_total")
	in.segment, _ = meter.Float64Histogram("carver_segment_duration_seconds")
	return &MetricsCollector{
		LatencyHistogram: make([]int64, 5),
		TypeHits:         make(map[string]int64),
		startedAt:        time.Now(),
		inst:             in,
	}
}

// RecordSegment folds one finished segment into the totals.
func (m *MetricsCollector) RecordSegment(ctx context.Context, r *SegmentResult, d time.Duration) {
	if m == nil {
		return
	}
	var valid, rejected, abandoned int64
	for i := range r.Resolutions {
		switch r.Resolutions[i].Outcome {
		case OutcomeValid:
			valid++
		case OutcomeRejected:
			rejected++
		default:
			abandoned++
		}
	}

	m.mu.Lock()
	m.BytesScanned += r.BytesScanned
	m.HeaderHits += r.HeaderHits
	m.Opened += int64(len(r.Resolutions))
	m.Valid += valid
	m.Rejected += rejected
	m.Abandoned += abandoned
	m.Faults += int64(len(r.Faults))
	m.Segments++
	m.LatencyHistogram[latencyBucket(d)]++
	for t, n := range r.TypeHits {
		m.TypeHits[t] += n
	}
	m.mu.Unlock()

	m.inst.bytes.Add(ctx, r.BytesScanned)
	m.inst.hits.Add(ctx, r.HeaderHits)
	m.inst.faults.Add(ctx, int64(len(r.Faults)))
	m.inst.outcomes.Add(ctx, valid, metric.WithAttributes(attribute.String("outcome", "valid")))
	m.inst.outcomes.Add(ctx, rejected, metric.WithAttributes(attribute.String("outcome", "rejected")))
	m.inst.outcomes.Add(ctx, abandoned, metric.WithAttributes(attribute.String("outcome", "abandoned")))
	m.inst.segment.Record(ctx, d.Seconds())
}

func latencyBucket(d time.Duration) int {
	switch {
	case d < 10*time.Millisecond:
		return 0
	case d < 100*time.Millisecond:
		return 1
	case d < time.Second:
		return 2
	case d < 10*time.Second:
		return 3
	default:
		return 4
	}
}

// MetricsSnapshot is a point-in-time view of the collector.
type MetricsSnapshot struct {
	BytesScanned     int64         `json:"bytes_scanned"`
	HeaderHits       int64         `json:"header_hits"`
	Opened           int64         `json:"candidates_opened"`
	Valid            int64         `json:"candidates_valid"`
	Rejected         int64         `json:"candidates_rejected"`
	Abandoned        int64         `json:"candidates_abandoned"`
	Faults           int64         `json:"faults"`
	Segments         int64         `json:"segments"`
	LatencyHistogram []int64       `json:"latency_histogram"` // [<10ms, <100ms, <1s, <10s, >=10s]
	ThroughputBPS    float64       `json:"throughput_bps"`
	TopTypes         []TypeHitStat `json:"top_types"`
}

// TypeHitStat counts header hits for one type.
type TypeHitStat struct {
	TypeName string `json:"type_name"`
	Hits     int64  `json:"hits"`
}

// Snapshot returns the current totals.
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := MetricsSnapshot{
		BytesScanned:     m.BytesScanned,
		HeaderHits:       m.HeaderHits,
		Opened:           m.Opened,
		Valid:            m.Valid,
		Rejected:         m.Rejected,
		Abandoned:        m.Abandoned,
		Faults:           m.Faults,
		Segments:         m.Segments,
		LatencyHistogram: append([]int64(nil), m.LatencyHistogram...),
	}
	if el := time.Since(m.startedAt).Seconds(); el > 0 {
		s.ThroughputBPS = float64(m.BytesScanned) / el
	}
	for t, n := range m.TypeHits {
		s.TopTypes = append(s.TopTypes, TypeHitStat{TypeName: t, Hits: n})
	}
	sort.Slice(s.TopTypes, func(i, j int) bool {
		if s.TopTypes[i].Hits != s.TopTypes[j].Hits {
			return s.TopTypes[i].Hits > s.TopTypes[j].Hits
		}
		return s.TopTypes[i].TypeName < s.TopTypes[j].TypeName
	})
	return s
}
