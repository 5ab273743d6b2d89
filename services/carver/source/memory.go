package source

import (
	"context"
	"errors"
	"io"
)

// ErrBadSector is returned by Memory for reads touching a bad region.
var ErrBadSector = errors.New("input/output error")

// Memory is an in-memory source, used for pulled images small enough to
// buffer and for exercising fault handling with injected bad regions.
type Memory struct {
	ID   string
	Data []byte
	Bad  []Region
	Opts Options
}

// NewMemory returns a Source over data.
func NewMemory(id string, data []byte, bad ...Region) *Memory {
	return &Memory{ID: id, Data: data, Bad: bad}
}

func (m *Memory) Identifier() string { return m.ID }

func (m *Memory) Open(_ context.Context) (Handle, error) {
	if m.Data == nil {
		return nil, ErrSourceUnavailable
	}
	r := &faultyReaderAt{data: m.Data, bad: m.Bad}
	return &memHandle{chunkReader{r: r, size: int64(len(m.Data)), opts: m.Opts.withDefaults()}}, nil
}

type memHandle struct{ chunkReader }

func (memHandle) Close() error { return nil }

type faultyReaderAt struct {
	data []byte
	bad  []Region
}

func (f *faultyReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	end := off + int64(len(p))
	firstBad := int64(-1)
	for _, b := range f.bad {
		if b.Start < end && b.End > off && (firstBad < 0 || b.Start < firstBad) {
			firstBad = b.Start
		}
	}
	if firstBad >= 0 {
		if firstBad <= off {
			return 0, ErrBadSector
		}
		return copy(p, f.data[off:firstBad]), ErrBadSector
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
