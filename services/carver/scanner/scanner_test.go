package scanner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/swarmguard/carver/services/carver/catalog"
	"github.com/swarmguard/carver/services/carver/dedup"
	"github.com/swarmguard/carver/services/carver/internal/samples"
	"github.com/swarmguard/carver/services/carver/source"
	"github.com/swarmguard/carver/services/carver/validate"
)

func zeros(n int) []byte { return make([]byte, n) }

func concat(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

func scanAll(t *testing.T, cat *catalog.Catalog, src *source.Memory, opts Options, segSize int64) []Resolution {
	t.Helper()
	h, err := src.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	s := New(cat, opts)
	size := h.Size()
	var out []Resolution
	for i, start := 0, int64(0); start < size; i, start = i+1, start+segSize {
		seg := Segment{Index: i, Start: start, End: min(start+segSize, size), Limit: size}
		res, err := s.ScanSegment(context.Background(), h, seg)
		if err != nil {
			t.Fatalf("segment %d: %v", i, err)
		}
		out = append(out, res.Resolutions...)
	}
	sortResolutions(out)
	return out
}

func valid(rs []Resolution) []Resolution {
	var out []Resolution
	for _, r := range rs {
		if r.Outcome == OutcomeValid {
			out = append(out, r)
		}
	}
	return out
}

func TestJPEGAtOffset100(t *testing.T) {
	jpeg := samples.JPEG(64, 3)
	img := concat(zeros(100), jpeg, zeros(50))
	rs := scanAll(t, catalog.Default(), source.NewMemory("img", img), Options{}, 1<<20)
	v := valid(rs)
	if len(v) != 1 {
		t.Fatalf("valid=%+v all=%+v", v, rs)
	}
	r := v[0]
	if r.TypeName != "jpeg" || r.Start != 100 || r.Size() != int64(len(jpeg)) {
		t.Fatalf("got %+v", r)
	}
	if !bytes.Equal(r.Content.Data, jpeg) {
		t.Fatal("content differs")
	}
	if r.Digest != (dedup.Hasher{}).SumBytes(jpeg) || r.Confidence != validate.ConfidenceHigh {
		t.Fatalf("digest %s confidence %s", r.Digest, r.Confidence)
	}
}

func TestRejectedCandidate(t *testing.T) {
	// header immediately followed by bytes that do not parse as JPEG
	bad := concat([]byte{0xFF, 0xD8, 0xFF}, zeros(100), []byte{0xFF, 0xD9})
	rs := scanAll(t, catalog.Default(), source.NewMemory("img", concat(zeros(10), bad, zeros(10))), Options{}, 1<<20)
	if len(rs) != 1 || rs[0].Outcome != OutcomeRejected || rs[0].Reason == "" {
		t.Fatalf("got %+v", rs)
	}
}

func TestBoundaryContinuity(t *testing.T) {
	jpeg := samples.JPEG(200, 5)
	// header starts on the last byte of the first 512-byte segment
	img := concat(zeros(511), jpeg, zeros(700))
	for _, seg := range []int64{512, 256, 1 << 20} {
		v := valid(scanAll(t, catalog.Default(), source.NewMemory("img", img), Options{ChunkSize: 64}, seg))
		if len(v) != 1 || v[0].Start != 511 || v[0].Size() != int64(len(jpeg)) {
			t.Fatalf("segment size %d: %+v", seg, v)
		}
	}
}

func fixtureImage() []byte {
	return concat(
		zeros(37), samples.JPEG(80, 1),
		zeros(300), samples.PNG(120, 2),
		zeros(13), samples.ZIP(90, 3),
		zeros(512), samples.BMP(64, 4),
		zeros(77), samples.GIF(40, 5),
		zeros(5), samples.PDF(100, 6),
		zeros(1000), samples.SQLite(2),
		zeros(31), samples.WAV(64, 7),
		zeros(64), samples.AVI(64, 8),
		zeros(19), samples.MP4(128, 9),
		zeros(256), samples.JPEG(80, 1),
		zeros(64),
	)
}

func TestAllBuiltinTypesRecovered(t *testing.T) {
	rs := valid(scanAll(t, catalog.Default(), source.NewMemory("img", fixtureImage()), Options{}, 1<<20))
	var types []string
	for _, r := range rs {
		types = append(types, r.TypeName)
	}
	got := strings.Join(types, ",")
	want := "jpeg,png,zip,bmp,gif,pdf,sqlite,wav,avi,mp4,jpeg"
	if got != want {
		t.Fatalf("types=%s", got)
	}
	for _, r := range rs {
		if r.Size() < r.MinSize || r.Size() > r.MaxSize {
			t.Fatalf("%s size %d outside bounds", r.TypeName, r.Size())
		}
	}
}

func TestDeterministicAcrossPartitions(t *testing.T) {
	img := fixtureImage()
	key := func(rs []Resolution) string {
		var b strings.Builder
		for _, r := range rs {
			b.WriteString(r.TypeName + ":" + r.Outcome.String() + ":" + r.Digest + ";")
		}
		return b.String()
	}
	base := key(scanAll(t, catalog.Default(), source.NewMemory("img", img), Options{}, 1<<20))
	for _, seg := range []int64{512, 1024, 4096} {
		for _, chunk := range []int{17, 64, 1000} {
			got := key(scanAll(t, catalog.Default(), source.NewMemory("img", img), Options{ChunkSize: chunk}, seg))
			if got != base {
				t.Fatalf("seg=%d chunk=%d\n got %s\nwant %s", seg, chunk, got, base)
			}
		}
	}
}

func TestFaultAbandonsSpanningCandidate(t *testing.T) {
	before := samples.JPEG(100, 1)
	spanning := samples.JPEG(2000, 2)
	after := samples.PNG(100, 3)
	img := concat(before, zeros(400), spanning, zeros(600), after)
	badAt := int64(len(before) + 400 + 1024)
	src := source.NewMemory("img", img, source.Region{Start: badAt, End: badAt + 10})
	rs := scanAll(t, catalog.Default(), src, Options{ChunkSize: 256}, 1<<20)
	v := valid(rs)
	if len(v) != 2 || v[0].TypeName != "jpeg" || v[0].Start != 0 || v[1].TypeName != "png" {
		t.Fatalf("valid=%+v", v)
	}
	var gap bool
	for _, r := range rs {
		if r.Outcome == OutcomeAbandoned && r.Start == int64(len(before)+400) && strings.Contains(r.Reason, "unreadable gap") {
			gap = true
		}
	}
	if !gap {
		t.Fatalf("spanning candidate not abandoned: %+v", rs)
	}
}

func TestFaultsRecordedOnce(t *testing.T) {
	img := zeros(8192)
	src := source.NewMemory("img", img, source.Region{Start: 1000, End: 1100}, source.Region{Start: 5000, End: 5001})
	h, _ := src.Open(context.Background())
	s := New(catalog.Default(), Options{ChunkSize: 300})
	var faults []*source.IoFault
	var scanned int64
	for _, seg := range []Segment{{Start: 0, End: 4096, Limit: 8192}, {Start: 4096, End: 8192, Limit: 8192}} {
		res, err := s.ScanSegment(context.Background(), h, seg)
		if err != nil {
			t.Fatal(err)
		}
		faults = append(faults, res.Faults...)
		scanned += res.BytesScanned
	}
	// the first bad region spans a sector boundary and faults twice
	if len(faults) != 3 || faults[0].Offset != 1000 || faults[1].Offset != 1024 || faults[2].Offset != 5000 {
		t.Fatalf("faults=%+v", faults)
	}
	if want := int64(8192 - (1536 - 1000) - (5120 - 5000)); scanned != want {
		t.Fatalf("scanned=%d want %d", scanned, want)
	}
}

func TestMaxSizeAbandons(t *testing.T) {
	cat, err := catalog.New([]catalog.Descriptor{
		{TypeName: "blob", Header: []byte("BLB!"), Trailer: []byte("END!"), MinSize: 8, MaxSize: 64},
	})
	if err != nil {
		t.Fatal(err)
	}
	img := concat([]byte("BLB!"), zeros(100), []byte("END!"), zeros(10), []byte("BLB!"), zeros(20), []byte("END!"))
	rs := scanAll(t, cat, source.NewMemory("img", img), Options{}, 1<<20)
	if len(rs) != 2 {
		t.Fatalf("got %+v", rs)
	}
	if rs[0].Outcome != OutcomeAbandoned || rs[0].Start != 0 {
		t.Fatalf("oversized candidate %+v", rs[0])
	}
	if rs[1].Outcome != OutcomeValid || rs[1].Size() != 28 {
		t.Fatalf("second candidate %+v", rs[1])
	}
}

func TestTrailerBelowMinSizeIgnored(t *testing.T) {
	cat, _ := catalog.New([]catalog.Descriptor{
		{TypeName: "blob", Header: []byte("BLB!"), Trailer: []byte("END!"), MinSize: 32, MaxSize: 128},
	})
	img := concat([]byte("BLB!"), zeros(4), []byte("END!"), zeros(30), []byte("END!"), zeros(8))
	v := valid(scanAll(t, cat, source.NewMemory("img", img), Options{}, 1<<20))
	if len(v) != 1 || v[0].Size() != 46 {
		t.Fatalf("got %+v", v)
	}
}

func TestSpuriousHeaderSuperseded(t *testing.T) {
	cat, err := catalog.New([]catalog.Descriptor{
		{TypeName: "weak", Header: []byte("AB"), Trailer: []byte("ZZ"), MinSize: 100, MaxSize: 1000},
		{TypeName: "strong", Header: []byte("CDEF"), Trailer: []byte("YY"), MinSize: 8, MaxSize: 1000},
	})
	if err != nil {
		t.Fatal(err)
	}
	img := concat([]byte("AB"), zeros(8), []byte("CDEF"), zeros(10), []byte("YY"), zeros(200), []byte("ZZ"))
	rs := scanAll(t, cat, source.NewMemory("img", img), Options{}, 1<<20)
	if len(rs) != 2 {
		t.Fatalf("got %+v", rs)
	}
	if rs[0].TypeName != "weak" || rs[0].Outcome != OutcomeAbandoned || !strings.Contains(rs[0].Reason, "superseded") {
		t.Fatalf("weak %+v", rs[0])
	}
	if rs[1].TypeName != "strong" || rs[1].Outcome != OutcomeValid || rs[1].Start != 10 {
		t.Fatalf("strong %+v", rs[1])
	}
}

func TestCandidateCeilingEvictsOldest(t *testing.T) {
	cat, _ := catalog.New([]catalog.Descriptor{
		{TypeName: "blob", Header: []byte("BLB!"), Trailer: []byte("END!"), MinSize: 64, MaxSize: 4096},
	})
	var img []byte
	for i := 0; i < 3; i++ {
		img = append(img, "BLB!"...)
		img = append(img, zeros(8)...)
	}
	img = append(img, zeros(100)...)
	img = append(img, "END!"...)
	rs := scanAll(t, cat, source.NewMemory("img", img), Options{MaxCandidates: 2}, 1<<20)
	if len(rs) != 3 {
		t.Fatalf("got %+v", rs)
	}
	var evicted, completed int
	for _, r := range rs {
		switch {
		case r.Outcome == OutcomeAbandoned && r.Start == 0 && strings.Contains(r.Reason, "evicted"):
			evicted++
		case r.Outcome == OutcomeValid:
			completed++
		}
	}
	if evicted != 1 || completed != 2 {
		t.Fatalf("got %+v", rs)
	}
}

func TestSharedHeaderResolvedByValidator(t *testing.T) {
	img := concat(zeros(9), samples.AVI(100, 1), zeros(9), samples.WAV(100, 2), zeros(9))
	v := valid(scanAll(t, catalog.Default(), source.NewMemory("img", img), Options{}, 1<<20))
	if len(v) != 2 || v[0].TypeName != "avi" || v[1].TypeName != "wav" {
		t.Fatalf("got %+v", v)
	}
}

func TestLargePayloadSpooled(t *testing.T) {
	jpeg := samples.JPEG(5000, 1)
	dir := t.TempDir()
	rs := valid(scanAll(t, catalog.Default(), source.NewMemory("img", concat(zeros(3), jpeg)), Options{InlineLimit: 1024, SpoolDir: dir}, 1<<20))
	if len(rs) != 1 || rs[0].Content.Path == "" || rs[0].Content.Data != nil {
		t.Fatalf("got %+v", rs)
	}
	got, err := os.ReadFile(rs[0].Content.Path)
	if err != nil || !bytes.Equal(got, jpeg) {
		t.Fatalf("spooled content differs: %v", err)
	}
	if err := rs[0].Content.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(rs[0].Content.Path); !os.IsNotExist(err) {
		t.Fatal("spool file not removed")
	}
}

func TestCancelledSegment(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h, _ := source.NewMemory("img", fixtureImage()).Open(ctx)
	_, err := New(catalog.Default(), Options{}).ScanSegment(ctx, h, Segment{End: h.Size(), Limit: h.Size()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
}

func TestMetricsCollector(t *testing.T) {
	m := NewMetricsCollector()
	h, _ := source.NewMemory("img", fixtureImage()).Open(context.Background())
	s := New(catalog.Default(), Options{Metrics: m})
	if _, err := s.ScanSegment(context.Background(), h, Segment{End: h.Size(), Limit: h.Size()}); err != nil {
		t.Fatal(err)
	}
	snap := m.Snapshot()
	if snap.Segments != 1 || snap.BytesScanned != h.Size() || snap.Valid != 11 {
		t.Fatalf("snapshot %+v", snap)
	}
	var jpegHits int64
	for _, th := range snap.TopTypes {
		if th.TypeName == "jpeg" {
			jpegHits = th.Hits
		}
	}
	if jpegHits != 2 {
		t.Fatalf("top types %+v", snap.TopTypes)
	}
}
