package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryReadChunk(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 4096)
	h, err := NewMemory("mem", data).Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()
	got, err := h.ReadChunk(context.Background(), 4000, 1000)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 96 {
		t.Fatalf("expected clamp to 96 bytes, got %d", len(got))
	}
	if _, err := h.ReadChunk(context.Background(), 4096, 10); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF past end, got %v", err)
	}
}

func TestReadChunkSalvagesUpToBadSector(t *testing.T) {
	data := make([]byte, 8192)
	for i := range data {
		data[i] = byte(i)
	}
	src := NewMemory("bad", data, Region{Start: 2048 + 100, End: 2048 + 200})
	h, _ := src.Open(context.Background())
	got, err := h.ReadChunk(context.Background(), 1024, 4096)
	var fault *IoFault
	if !errors.As(err, &fault) {
		t.Fatalf("expected IoFault, got %v", err)
	}
	if len(got) != 1124 {
		t.Fatalf("expected 1124 salvaged bytes, got %d", len(got))
	}
	if fault.Offset != 2148 || fault.Length != 2560-2148 {
		t.Fatalf("unexpected fault %+v", fault)
	}
	if !bytes.Equal(got, data[1024:2148]) {
		t.Fatalf("salvaged bytes differ")
	}
	if !errors.Is(err, ErrBadSector) {
		t.Fatalf("fault should unwrap to cause: %v", err)
	}
}

func TestReadChunkFaultAtStart(t *testing.T) {
	src := NewMemory("bad", make([]byte, 4096), Region{Start: 0, End: 10})
	h, _ := src.Open(context.Background())
	got, err := h.ReadChunk(context.Background(), 0, 1024)
	var fault *IoFault
	if !errors.As(err, &fault) || len(got) != 0 || fault.Offset != 0 {
		t.Fatalf("got %d bytes, err=%v", len(got), err)
	}
}

func TestFileSourceUnavailable(t *testing.T) {
	_, err := NewFile(filepath.Join(t.TempDir(), "missing.img"), Options{}).Open(context.Background())
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestFileSourceReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatal(err)
	}
	h, err := NewFile(path, Options{}).Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()
	if h.Size() != 10 {
		t.Fatalf("size=%d", h.Size())
	}
	got, err := h.ReadChunk(context.Background(), 3, 4)
	if err != nil || string(got) != "3456" {
		t.Fatalf("got %q err=%v", got, err)
	}
}

func TestNormalizeAndSplit(t *testing.T) {
	regions := Normalize([]Region{{Start: 50, End: 80}, {Start: -5, End: 10}, {Start: 70, End: 120}, {Start: 200, End: 300}}, 250)
	want := []Region{{Start: 0, End: 10}, {Start: 50, End: 120}, {Start: 200, End: 250}}
	if len(regions) != len(want) {
		t.Fatalf("got %+v", regions)
	}
	for i := range want {
		if regions[i] != want[i] {
			t.Fatalf("region %d: got %+v want %+v", i, regions[i], want[i])
		}
	}
	segs := Split([]Region{{Start: 0, End: 25}}, 10)
	if len(segs) != 3 || segs[2] != (Region{Start: 20, End: 25}) {
		t.Fatalf("split: %+v", segs)
	}
}
