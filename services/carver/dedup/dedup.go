// Package dedup computes recovery identifiers and drops repeated content.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a content digest.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// ErrUnknownAlgorithm is returned for digest names other than sha256 and blake3.
var ErrUnknownAlgorithm = errors.New("unknown digest algorithm")

// ParseAlgorithm maps a name to an Algorithm; empty selects SHA256.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return SHA256, nil
	case SHA256, BLAKE3:
		return a, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownAlgorithm, s)
}

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() hash.Hash {
	if a == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

// Hasher digests candidate content. The zero value uses SHA-256.
type Hasher struct {
	Algorithm Algorithm
}

// Sum digests everything read from r and returns the lowercase hex digest.
func (h Hasher) Sum(r io.Reader) (string, error) {
	d := h.Algorithm.New()
	if _, err := io.Copy(d, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}

// SumBytes digests b.
func (h Hasher) SumBytes(b []byte) string {
	d := h.Algorithm.New()
	d.Write(b)
	return hex.EncodeToString(d.Sum(nil))
}

// Name reports the algorithm in effect.
func (h Hasher) Name() Algorithm {
	if h.Algorithm == "" {
		return SHA256
	}
	return h.Algorithm
}

// Deduplicator remembers digests already kept. It is not safe for
// concurrent use; the session owns it.
type Deduplicator struct {
	seen    map[string]struct{}
	dropped int64
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]struct{})}
}

// Add reports whether digest is new. Repeats are counted as dropped.
func (d *Deduplicator) Add(digest string) bool {
	if _, ok := d.seen[digest]; ok {
		d.dropped++
		return false
	}
	d.seen[digest] = struct{}{}
	return true
}

// Contains reports whether digest was added before.
func (d *Deduplicator) Contains(digest string) bool {
	_, ok := d.seen[digest]
	return ok
}

// Dropped is the number of repeats rejected by Add.
func (d *Deduplicator) Dropped() int64 { return d.dropped }

// Len is the number of distinct digests.
func (d *Deduplicator) Len() int { return len(d.seen) }
