package source

import (
	"context"
	"fmt"
	"io"
	"os"
)

// File is a disk image, partition image or block device path.
type File struct {
	Path string
	Opts Options
}

// NewFile returns a Source backed by path.
func NewFile(path string, opts Options) *File {
	return &File{Path: path, Opts: opts}
}

func (f *File) Identifier() string { return f.Path }

// Open opens a fresh handle. Failure to open or size the path is reported as
// ErrSourceUnavailable.
func (f *File) Open(_ context.Context) (Handle, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, f.Path, err)
	}
	size, err := sizeOf(fh)
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("%w: %s: size: %v", ErrSourceUnavailable, f.Path, err)
	}
	return &fileHandle{chunkReader: chunkReader{r: fh, size: size, opts: f.Opts.withDefaults()}, f: fh}, nil
}

type fileHandle struct {
	chunkReader
	f *os.File
}

func (h *fileHandle) Close() error { return h.f.Close() }

func sizeOf(f *os.File) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if st.Mode().IsRegular() {
		return st.Size(), nil
	}
	if st.Mode()&os.ModeDevice != 0 {
		if n, err := deviceSize(f); err == nil && n > 0 {
			return n, nil
		}
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}
