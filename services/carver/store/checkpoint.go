package store

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/carver/libs/go/core/otelinit"
	"github.com/swarmguard/carver/services/carver/session"
)

var (
	bucketCheckpoints = []byte("checkpoints")
	bucketSessions    = []byte("sessions")
)

// Checkpoint is the last known position of a scan over one source. A
// cancelled scan resumes from ResumeOffset.
type Checkpoint struct {
	Source         string         `cbor:"source" json:"source_identifier"`
	SessionID      string         `cbor:"session" json:"session_id"`
	Mode           session.Mode   `cbor:"mode" json:"scan_mode"`
	Status         session.Status `cbor:"status" json:"status"`
	ResumeOffset   int64          `cbor:"resume" json:"resume_offset"`
	BytesScanned   int64          `cbor:"bytes" json:"bytes_scanned"`
	CatalogVersion string         `cbor:"catalog" json:"catalog_version"`
	UpdatedAt      time.Time      `cbor:"at" json:"updated_at"`
}

// CheckpointStore keeps checkpoints per source and finalized sessions per
// ID in a bbolt file.
type CheckpointStore struct {
	db           *bbolt.DB
	writeLatency metric.Float64Histogram
}

// OpenCheckpointStore opens or creates the database file at path.
func OpenCheckpointStore(path string) (*CheckpointStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second, FreelistType: bbolt.FreelistArrayType})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketCheckpoints, bucketSessions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	wl, _ := otel.Meter(otelinit.MeterName).Float64Histogram("carver_checkpoint_write_ms")
	return &CheckpointStore{db: db, writeLatency: wl}, nil
}

func (c *CheckpointStore) Close() error { return c.db.Close() }

func (c *CheckpointStore) put(ctx context.Context, bucket []byte, k string, v any) error {
	start := time.Now()
	defer func() {
		c.writeLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000,
			metric.WithAttributes(attribute.String("bucket", string(bucket))))
	}()
	data, err := marshal(v)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(k), data)
	})
}

func (c *CheckpointStore) get(bucket []byte, k string, v any) (bool, error) {
	var found bool
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(k))
		if data == nil {
			return nil
		}
		found = true
		return unmarshal(data, v)
	})
	return found, err
}

// Save replaces the checkpoint for cp.Source.
func (c *CheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	return c.put(ctx, bucketCheckpoints, cp.Source, cp)
}

// Load returns the checkpoint for a source.
func (c *CheckpointStore) Load(_ context.Context, src string) (Checkpoint, bool, error) {
	var cp Checkpoint
	ok, err := c.get(bucketCheckpoints, src, &cp)
	return cp, ok, err
}

// Delete forgets the checkpoint for a source.
func (c *CheckpointStore) Delete(_ context.Context, src string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Delete([]byte(src))
	})
}

// List returns all checkpoints ordered by source.
func (c *CheckpointStore) List(_ context.Context) ([]Checkpoint, error) {
	var out []Checkpoint
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).ForEach(func(_, v []byte) error {
			var cp Checkpoint
			if err := unmarshal(v, &cp); err != nil {
				return err
			}
			out = append(out, cp)
			return nil
		})
	})
	return out, err
}

// Record stores a finalized session. A completed scan clears the source
// checkpoint; a cancelled one leaves a checkpoint at its resume offset.
func (c *CheckpointStore) Record(ctx context.Context, s *session.ScanSession) error {
	if err := c.put(ctx, bucketSessions, s.ID, s); err != nil {
		return err
	}
	if s.Status == session.StatusCompleted {
		return c.Delete(ctx, s.SourceIdentifier)
	}
	return c.Save(ctx, Checkpoint{
		Source:         s.SourceIdentifier,
		SessionID:      s.ID,
		Mode:           s.ScanMode,
		Status:         s.Status,
		ResumeOffset:   s.ResumeOffset,
		BytesScanned:   s.BytesScanned,
		CatalogVersion: s.CatalogVersion,
	})
}

// Session returns a stored session by ID. Payloads are not kept.
func (c *CheckpointStore) Session(_ context.Context, id string) (*session.ScanSession, bool, error) {
	var s session.ScanSession
	ok, err := c.get(bucketSessions, id, &s)
	if !ok || err != nil {
		return nil, ok, err
	}
	return &s, true, nil
}
