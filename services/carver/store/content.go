// Package store persists recovered payloads and scan checkpoints.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/carver/libs/go/core/otelinit"
	"github.com/swarmguard/carver/services/carver/session"
)

var (
	ErrNotFound = errors.New("blob not found")
	ErrTooLarge = errors.New("blob exceeds store limit")
)

const DefaultMaxBlobSize = 256 << 20

const (
	encodingRaw  byte = 0
	encodingZstd byte = 1
)

var (
	prefixBlob = []byte("blob:")
	prefixMeta = []byte("meta:")
)

// BlobMeta describes a stored payload.
type BlobMeta struct {
	Digest     string    `cbor:"digest" json:"digest"`
	TypeName   string    `cbor:"type" json:"type_name"`
	Size       int64     `cbor:"size" json:"size"`
	Stored     int64     `cbor:"stored" json:"stored_size"`
	SessionID  string    `cbor:"session" json:"session_id"`
	Source     string    `cbor:"source" json:"source_identifier"`
	Offset     int64     `cbor:"offset" json:"start_offset"`
	Confidence string    `cbor:"confidence" json:"confidence"`
	StoredAt   time.Time `cbor:"at" json:"stored_at"`
}

// ContentStore is a content-addressed blob store keyed by recovery digest.
// Payloads are zstd-compressed when that makes them smaller.
type ContentStore struct {
	mu      sync.RWMutex
	db      *badger.DB
	bloom   *BloomFilter
	maxBlob int64
	enc     *zstd.Encoder
	dec     *zstd.Decoder

	blobs metric.Int64Counter
	bytes metric.Int64Counter
}

// OpenContentStore opens a store rooted at path. An empty path keeps
// everything in memory.
func OpenContentStore(path string, maxBlob int64) (*ContentStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path)).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.WARNING)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	if maxBlob <= 0 {
		maxBlob = DefaultMaxBlobSize
	}
	m := otel.Meter(otelinit.MeterName)
	blobs, _ := m.Int64Counter("carver_store_blobs_total")
	bytes, _ := m.Int64Counter("carver_store_bytes_total")
	s := &ContentStore{db: db, bloom: NewBloomFilter(100_000, 0.01), maxBlob: maxBlob, enc: enc, dec: dec, blobs: blobs, bytes: bytes}
	if err := s.warm(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *ContentStore) Close() error {
	s.dec.Close()
	return s.db.Close()
}

// warm loads every known digest into the bloom filter.
func (s *ContentStore) warm() error {
	return s.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.PrefetchValues = false
		opt.Prefix = prefixMeta
		it := txn.NewIterator(opt)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			s.bloom.Add(it.Item().KeyCopy(nil)[len(prefixMeta):])
		}
		return nil
	})
}

func key(prefix []byte, digest string) []byte {
	return append(append([]byte(nil), prefix...), digest...)
}

// Has reports whether digest is stored.
func (s *ContentStore) Has(digest string) (bool, error) {
	if !s.bloom.MayContain([]byte(digest)) {
		return false, nil
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key(prefixMeta, digest))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Put stores the payload of f. It returns false when the digest was
// already present.
func (s *ContentStore) Put(ctx context.Context, sess *session.ScanSession, f session.RecoveredFile) (bool, error) {
	if f.Size > s.maxBlob {
		return false, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, f.ID, f.Size)
	}
	if ok, err := s.Has(f.ID); err != nil || ok {
		return false, err
	}
	r, err := f.Content.Open()
	if err != nil {
		return false, fmt.Errorf("open %s: %w", f.ID, err)
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return false, fmt.Errorf("read %s: %w", f.ID, err)
	}

	val := make([]byte, 0, len(data)+1)
	if c := s.enc.EncodeAll(data, nil); len(c) < len(data) {
		val = append(append(val, encodingZstd), c...)
	} else {
		val = append(append(val, encodingRaw), data...)
	}
	meta := BlobMeta{
		Digest: f.ID, TypeName: f.TypeName, Size: int64(len(data)), Stored: int64(len(val)),
		SessionID: sess.ID, Source: sess.SourceIdentifier, Offset: f.StartOffset,
		Confidence: f.Confidence.String(), StoredAt: time.Now().UTC(),
	}
	mb, err := marshal(meta)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := false
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key(prefixMeta, f.ID))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key(prefixBlob, f.ID), val); err != nil {
			return err
		}
		stored = true
		return txn.Set(key(prefixMeta, f.ID), mb)
	})
	if err != nil || !stored {
		return false, err
	}
	s.bloom.Add([]byte(f.ID))
	s.blobs.Add(ctx, 1, metric.WithAttributes(attribute.String("type", f.TypeName)))
	s.bytes.Add(ctx, int64(len(val)))
	return true, nil
}

// Archive stores every recovered file of a finished session and returns
// how many were new. Files over the size limit are skipped.
func (s *ContentStore) Archive(ctx context.Context, sess *session.ScanSession) (int, error) {
	n := 0
	for _, f := range sess.RecoveredFiles {
		ok, err := s.Put(ctx, sess, f)
		if errors.Is(err, ErrTooLarge) {
			continue
		}
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Get returns the payload and metadata stored under digest.
func (s *ContentStore) Get(_ context.Context, digest string) ([]byte, BlobMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var meta BlobMeta
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(key(prefixMeta, digest))
		if err != nil {
			return err
		}
		mb, err := it.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := unmarshal(mb, &meta); err != nil {
			return err
		}
		it, err = txn.Get(key(prefixBlob, digest))
		if err != nil {
			return err
		}
		val, err = it.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, BlobMeta{}, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	if err != nil {
		return nil, BlobMeta{}, err
	}
	if len(val) == 0 {
		return nil, meta, fmt.Errorf("corrupt blob %s", digest)
	}
	switch val[0] {
	case encodingRaw:
		return val[1:], meta, nil
	case encodingZstd:
		data, err := s.dec.DecodeAll(val[1:], make([]byte, 0, meta.Size))
		if err != nil {
			return nil, meta, fmt.Errorf("decompress %s: %w", digest, err)
		}
		return data, meta, nil
	}
	return nil, meta, fmt.Errorf("blob %s: unknown encoding %d", digest, val[0])
}

// BloomStats exposes the prefilter occupancy.
func (s *ContentStore) BloomStats() BloomStats { return s.bloom.Stats() }
