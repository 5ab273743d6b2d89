// Package source provides seekable, chunked, fault-tolerant readers over
// disk images, block devices and in-memory buffers.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/swarmguard/carver/libs/go/core/resilience"
)

// DefaultSectorSize is the skip granularity after an unreadable region.
const DefaultSectorSize = 512

// ErrSourceUnavailable is fatal to a scan attempt: the source could not be opened at all.
var ErrSourceUnavailable = errors.New("source unavailable")

// IoFault describes an unreadable byte range. It is recoverable: the caller
// skips Length bytes from Offset and keeps scanning.
type IoFault struct {
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Cause  string `json:"cause"`
	err    error
}

func (f *IoFault) Error() string {
	return fmt.Sprintf("io fault at offset %d (+%d): %s", f.Offset, f.Length, f.Cause)
}

func (f *IoFault) Unwrap() error { return f.err }

// NewIoFault builds a fault for [off, off+length).
func NewIoFault(off, length int64, cause error) *IoFault {
	msg := "unknown"
	if cause != nil {
		msg = cause.Error()
	}
	return &IoFault{Offset: off, Length: length, Cause: msg, err: cause}
}

// Source is an openable byte source. Each scan worker opens its own Handle.
type Source interface {
	Identifier() string
	Open(ctx context.Context) (Handle, error)
}

// Handle reads chunks from an open source.
//
// ReadChunk returns up to length bytes starting at off. Reading at or past
// Size returns io.EOF. When part of the range is unreadable the bytes that
// could be recovered are returned together with an *IoFault whose Offset is
// the first unreadable byte and whose Length reaches the next sector boundary.
type Handle interface {
	Size() int64
	ReadChunk(ctx context.Context, off int64, length int) ([]byte, error)
	Close() error
}

// Options tune read behaviour shared by all handles.
type Options struct {
	SectorSize int
	Retries    int
	RetryDelay time.Duration
	Throttle   *resilience.RateLimiter
}

func (o Options) withDefaults() Options {
	if o.SectorSize <= 0 {
		o.SectorSize = DefaultSectorSize
	}
	if o.Retries <= 0 {
		o.Retries = 2
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Millisecond
	}
	return o
}

// chunkReader implements the ReadChunk contract over any io.ReaderAt.
type chunkReader struct {
	r    io.ReaderAt
	size int64
	opts Options
}

func (c *chunkReader) Size() int64 { return c.size }

func (c *chunkReader) ReadChunk(ctx context.Context, off int64, length int) ([]byte, error) {
	if off < 0 || length < 0 {
		return nil, fmt.Errorf("invalid read range off=%d length=%d", off, length)
	}
	if off >= c.size {
		return nil, io.EOF
	}
	if rem := c.size - off; int64(length) > rem {
		length = int(rem)
	}
	if c.opts.Throttle != nil {
		if err := c.opts.Throttle.WaitN(ctx, int64(length)); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, length)
	n, err := c.readAt(ctx, buf, off)
	if err == nil {
		return buf, nil
	}
	if ctx.Err() != nil {
		return buf[:n], ctx.Err()
	}
	// Salvage sector by sector up to the first bad one.
	sector := c.opts.SectorSize
	good := n - n%sector
	for good < length {
		end := good + sector
		if end > length {
			end = length
		}
		m, serr := c.readAt(ctx, buf[good:end], off+int64(good))
		if serr != nil {
			good += m
			return buf[:good], NewIoFault(off+int64(good), c.stride(off+int64(good)), serr)
		}
		good = end
	}
	return buf, nil
}

func (c *chunkReader) readAt(ctx context.Context, p []byte, off int64) (int, error) {
	return resilience.RetryIf(ctx, c.opts.Retries, c.opts.RetryDelay, retryable, func() (int, error) {
		n, err := c.r.ReadAt(p, off)
		if errors.Is(err, io.EOF) && n == len(p) {
			err = nil
		}
		if err == nil && n < len(p) {
			err = io.ErrUnexpectedEOF
		}
		return n, err
	})
}

// stride skips to the next absolute sector boundary so that fault
// positions do not depend on where a read started.
func (c *chunkReader) stride(at int64) int64 {
	s := int64(c.opts.SectorSize)
	s -= at % s
	if rem := c.size - at; rem < s {
		return rem
	}
	return s
}

func retryable(err error) bool {
	return !errors.Is(err, os.ErrClosed) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
