// Package catalog holds the immutable set of file-type signatures and the
// matcher that finds their header and trailer patterns in a byte window.
package catalog

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/swarmguard/carver/services/carver/validate"
)

// Descriptor describes one recoverable file type.
type Descriptor struct {
	TypeName     string
	Header       []byte
	HeaderOffset int
	Trailer      []byte
	// TrailerSlack is the fixed number of bytes that still belong to the
	// file after the trailer pattern.
	TrailerSlack int
	MinSize      int64
	MaxSize      int64
	Validator    validate.Kind
	Extension    string
}

// HeaderReach is the number of bytes from file start through the end of the
// header pattern.
func (d *Descriptor) HeaderReach() int { return d.HeaderOffset + len(d.Header) }

// Strength orders competing headers: a longer pattern is less likely to be
// a coincidence.
func (d *Descriptor) Strength() int { return len(d.Header) }

// ErrCatalogMisconfiguration is matched by every MisconfigurationError.
var ErrCatalogMisconfiguration = errors.New("catalog misconfiguration")

// ErrUnknownType is returned when a type filter names a type the catalog lacks.
var ErrUnknownType = errors.New("unknown file type")

// MisconfigurationError reports a descriptor that cannot be carved safely.
type MisconfigurationError struct {
	TypeName string
	Reason   string
}

func (e *MisconfigurationError) Error() string {
	if e.TypeName == "" {
		return "catalog misconfiguration: " + e.Reason
	}
	return fmt.Sprintf("catalog misconfiguration: %s: %s", e.TypeName, e.Reason)
}

func (e *MisconfigurationError) Is(target error) bool { return target == ErrCatalogMisconfiguration }

func misconfigured(name, format string, args ...any) error {
	return &MisconfigurationError{TypeName: name, Reason: fmt.Sprintf(format, args...)}
}

// Catalog is read-only after New and safe to share between goroutines.
type Catalog struct {
	descs      []*Descriptor
	byName     map[string]*Descriptor
	auto       *automaton
	maxPattern int
	maxReach   int
	version    string
}

// New validates descs and compiles them into a catalog.
func New(descs []Descriptor) (*Catalog, error) {
	if len(descs) == 0 {
		return nil, misconfigured("", "no descriptors")
	}
	c := &Catalog{byName: make(map[string]*Descriptor, len(descs))}
	for i := range descs {
		d := clone(descs[i])
		if err := check(d); err != nil {
			return nil, err
		}
		if _, dup := c.byName[d.TypeName]; dup {
			return nil, misconfigured(d.TypeName, "duplicate type name")
		}
		c.byName[d.TypeName] = d
		c.descs = append(c.descs, d)
	}
	sort.Slice(c.descs, func(i, j int) bool { return c.descs[i].TypeName < c.descs[j].TypeName })
	if err := checkSharedHeaders(c.descs); err != nil {
		return nil, err
	}

	patterns := make([]*pattern, 0, 2*len(c.descs))
	for _, d := range c.descs {
		patterns = append(patterns, &pattern{bytes: d.Header, kind: KindHeader, desc: d})
		c.maxPattern = max(c.maxPattern, len(d.Header))
		c.maxReach = max(c.maxReach, d.HeaderReach())
		if len(d.Trailer) > 0 {
			patterns = append(patterns, &pattern{bytes: d.Trailer, kind: KindTrailer, desc: d})
			c.maxPattern = max(c.maxPattern, len(d.Trailer))
		}
	}
	c.auto = buildAutomaton(patterns)
	c.version = fingerprint(c.descs)
	return c, nil
}

func clone(d Descriptor) *Descriptor {
	d.TypeName = strings.TrimSpace(d.TypeName)
	d.Header = bytes.Clone(d.Header)
	if len(d.Trailer) == 0 {
		d.Trailer = nil
	} else {
		d.Trailer = bytes.Clone(d.Trailer)
	}
	return &d
}

func check(d *Descriptor) error {
	switch {
	case d.TypeName == "":
		return misconfigured("", "empty type name")
	case len(d.Header) == 0:
		return misconfigured(d.TypeName, "empty header")
	case d.HeaderOffset < 0:
		return misconfigured(d.TypeName, "negative header offset %d", d.HeaderOffset)
	case d.MaxSize <= 0:
		return misconfigured(d.TypeName, "max_size %d must be positive", d.MaxSize)
	case d.MinSize < 0:
		return misconfigured(d.TypeName, "negative min_size %d", d.MinSize)
	case d.MinSize > d.MaxSize:
		return misconfigured(d.TypeName, "min_size %d exceeds max_size %d", d.MinSize, d.MaxSize)
	case int64(d.HeaderReach()) > d.MinSize:
		return misconfigured(d.TypeName, "min_size %d shorter than header reach %d", d.MinSize, d.HeaderReach())
	case d.TrailerSlack < 0:
		return misconfigured(d.TypeName, "negative trailer slack %d", d.TrailerSlack)
	case d.TrailerSlack > 0 && len(d.Trailer) == 0:
		return misconfigured(d.TypeName, "trailer slack without trailer")
	}
	if !d.Validator.Known() {
		return misconfigured(d.TypeName, "unknown validator %s", d.Validator)
	}
	if len(d.Trailer) == 0 && !d.Validator.DeclaresSize() {
		return misconfigured(d.TypeName, "no trailer and validator %s cannot declare a size", d.Validator)
	}
	return nil
}

// checkSharedHeaders rejects descriptors that share a header position but
// disagree on size bounds, since no trailer or validator outcome could make
// the bounds consistent while the candidate is still open.
func checkSharedHeaders(descs []*Descriptor) error {
	type key struct {
		header string
		offset int
	}
	seen := make(map[key]*Descriptor)
	for _, d := range descs {
		k := key{string(d.Header), d.HeaderOffset}
		prev, ok := seen[k]
		if !ok {
			seen[k] = d
			continue
		}
		if prev.MinSize != d.MinSize || prev.MaxSize != d.MaxSize {
			return misconfigured(d.TypeName, "shares header with %s but size bounds differ", prev.TypeName)
		}
	}
	return nil
}

func fingerprint(descs []*Descriptor) string {
	h := sha256.New()
	var n [8]byte
	for _, d := range descs {
		h.Write([]byte(d.TypeName))
		h.Write([]byte{0})
		h.Write(d.Header)
		h.Write([]byte{0})
		h.Write(d.Trailer)
		for _, v := range []int64{int64(d.HeaderOffset), int64(d.TrailerSlack), d.MinSize, d.MaxSize, int64(d.Validator)} {
			binary.BigEndian.PutUint64(n[:], uint64(v))
			h.Write(n[:])
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Match reports all header and trailer occurrences in window.
func (c *Catalog) Match(window []byte) []Hit { return c.auto.scan(window) }

// Lookup returns the descriptor for a type name.
func (c *Catalog) Lookup(typeName string) (*Descriptor, bool) {
	d, ok := c.byName[typeName]
	return d, ok
}

// Descriptors returns the descriptors sorted by type name.
func (c *Catalog) Descriptors() []*Descriptor {
	out := make([]*Descriptor, len(c.descs))
	copy(out, c.descs)
	return out
}

// MaxPatternLength is the longest header or trailer pattern. Consecutive
// windows must overlap by MaxPatternLength-1 bytes.
func (c *Catalog) MaxPatternLength() int { return c.maxPattern }

// MaxHeaderReach is the furthest any header pattern ends from its file start.
func (c *Catalog) MaxHeaderReach() int { return c.maxReach }

// Version fingerprints the descriptor set.
func (c *Catalog) Version() string { return c.version }

// Restrict builds a catalog holding only the named types. An empty list
// returns c itself.
func (c *Catalog) Restrict(types []string) (*Catalog, error) {
	if len(types) == 0 {
		return c, nil
	}
	descs := make([]Descriptor, 0, len(types))
	seen := make(map[string]bool)
	for _, t := range types {
		t = strings.TrimSpace(t)
		if seen[t] {
			continue
		}
		seen[t] = true
		d, ok := c.byName[t]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownType, t)
		}
		descs = append(descs, *d)
	}
	return New(descs)
}
