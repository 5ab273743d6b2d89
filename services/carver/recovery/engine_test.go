package recovery

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/carver/services/carver/catalog"
	"github.com/swarmguard/carver/services/carver/dedup"
	"github.com/swarmguard/carver/services/carver/internal/samples"
	"github.com/swarmguard/carver/services/carver/scanner"
	"github.com/swarmguard/carver/services/carver/session"
	"github.com/swarmguard/carver/services/carver/source"
)

func zeros(n int) []byte { return make([]byte, n) }

func concat(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

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

func scan(t *testing.T, e *Engine, src source.Source, mode session.Mode, opts ...ScanOption) *session.ScanSession {
	t.Helper()
	s, err := e.Scan(context.Background(), src, mode, catalog.Default(), opts...)
	require.NoError(t, err)
	return s
}

func TestJPEGAtOffset100(t *testing.T) {
	jpeg := samples.JPEG(64, 3)
	img := concat(zeros(100), jpeg, zeros(50))
	s := scan(t, NewEngine(Options{}), source.NewMemory("img", img), session.ModeDeep)

	require.Equal(t, session.StatusCompleted, s.Status)
	require.Len(t, s.RecoveredFiles, 1)
	f := s.RecoveredFiles[0]
	require.Equal(t, "jpeg", f.TypeName)
	require.Equal(t, int64(100), f.StartOffset)
	require.Equal(t, int64(100+len(jpeg)), f.EndOffset)
	require.Equal(t, (dedup.Hasher{}).SumBytes(jpeg), f.ID)
	require.Equal(t, jpeg, f.Content.Data)
	require.Equal(t, int64(1), s.CandidatesOpened)
	require.Equal(t, int64(1), s.CandidatesAccepted)
	require.Equal(t, int64(len(img)), s.BytesScanned)
	require.Equal(t, int64(len(img)), s.ResumeOffset)
	require.Equal(t, dedup.SHA256, s.DigestAlgorithm)
	require.NotEmpty(t, s.ID)
}

func TestDuplicateJPEG(t *testing.T) {
	jpeg := samples.JPEG(64, 3)
	img := concat(zeros(100), jpeg, zeros(300), jpeg, zeros(10))
	s := scan(t, NewEngine(Options{}), source.NewMemory("img", img), session.ModeDeep)

	require.Equal(t, int64(2), s.CandidatesAccepted)
	require.Equal(t, int64(1), s.DuplicatesDropped)
	require.Len(t, s.RecoveredFiles, 1)
	require.Equal(t, int64(100), s.RecoveredFiles[0].StartOffset)
}

func TestRejectedCandidateCounted(t *testing.T) {
	bad := concat([]byte{0xFF, 0xD8, 0xFF}, zeros(100), []byte{0xFF, 0xD9})
	s := scan(t, NewEngine(Options{}), source.NewMemory("img", concat(zeros(10), bad, zeros(10))), session.ModeDeep)

	require.Empty(t, s.RecoveredFiles)
	require.Equal(t, int64(1), s.CandidatesOpened)
	require.Equal(t, int64(1), s.CandidatesRejected)
	require.Equal(t, int64(0), s.CandidatesAccepted)
}

type fileKey struct {
	typ        string
	start, end int64
	id         string
}

func summary(s *session.ScanSession) string {
	var b strings.Builder
	fmt.Fprintf(&b, "opened=%d accepted=%d rejected=%d abandoned=%d dup=%d bytes=%d;",
		s.CandidatesOpened, s.CandidatesAccepted, s.CandidatesRejected, s.CandidatesAbandoned, s.DuplicatesDropped, s.BytesScanned)
	for _, f := range s.RecoveredFiles {
		fmt.Fprintf(&b, "%v;", fileKey{f.TypeName, f.StartOffset, f.EndOffset, f.ID})
	}
	return b.String()
}

func TestDeterministicAcrossWorkersAndSegments(t *testing.T) {
	img := fixtureImage()
	base := scan(t, NewEngine(Options{Workers: 1, SegmentSize: 1 << 20}), source.NewMemory("img", img), session.ModeDeep)
	require.Equal(t, int64(11), base.CandidatesAccepted)
	require.Equal(t, int64(1), base.DuplicatesDropped)
	require.Len(t, base.RecoveredFiles, 10)
	want := summary(base)

	for _, workers := range []int{2, 3, 8} {
		for _, seg := range []int64{512, 1024, 1536} {
			s := scan(t, NewEngine(Options{Workers: workers, SegmentSize: seg, Scanner: scanner.Options{ChunkSize: 100}}),
				source.NewMemory("img", img), session.ModeDeep)
			require.Equal(t, want, summary(s), "workers=%d segment=%d", workers, seg)
		}
	}
}

func TestNoOverlapAndSizeBounds(t *testing.T) {
	s := scan(t, NewEngine(Options{Workers: 4, SegmentSize: 512}), source.NewMemory("img", fixtureImage()), session.ModeDeep)
	cat := catalog.Default()
	var lastEnd int64
	for _, f := range s.RecoveredFiles {
		require.Greater(t, f.EndOffset, f.StartOffset)
		require.GreaterOrEqual(t, f.StartOffset, lastEnd)
		lastEnd = f.EndOffset
		d, ok := cat.Lookup(f.TypeName)
		require.True(t, ok)
		require.GreaterOrEqual(t, f.Size, d.MinSize)
		require.LessOrEqual(t, f.Size, d.MaxSize)
	}
}

func TestFaultResilience(t *testing.T) {
	before := samples.JPEG(100, 1)
	spanning := samples.JPEG(2000, 2)
	after := samples.PNG(100, 3)
	img := concat(before, zeros(400), spanning, zeros(600), after)
	badAt := int64(len(before) + 400 + 1024)
	src := source.NewMemory("img", img, source.Region{Start: badAt, End: badAt + 10})

	s := scan(t, NewEngine(Options{Workers: 3, SegmentSize: 1024}), src, session.ModeDeep)
	require.Equal(t, session.StatusCompleted, s.Status)
	require.Len(t, s.RecoveredFiles, 2)
	require.Equal(t, "jpeg", s.RecoveredFiles[0].TypeName)
	require.Equal(t, "png", s.RecoveredFiles[1].TypeName)
	require.Len(t, s.Errors, 1)
	require.Equal(t, badAt, s.Errors[0].Offset)
	require.Equal(t, int64(len(img)), s.ResumeOffset)
	require.GreaterOrEqual(t, s.CandidatesAbandoned, int64(1))
}

func TestSourceUnavailable(t *testing.T) {
	e := NewEngine(Options{})
	_, err := e.Scan(context.Background(), source.NewMemory("gone", nil), session.ModeDeep, nil)
	require.ErrorIs(t, err, source.ErrSourceUnavailable)

	_, err = e.Scan(context.Background(), source.NewFile(filepath.Join(t.TempDir(), "missing.img"), source.Options{}), session.ModeDeep, nil)
	require.ErrorIs(t, err, source.ErrSourceUnavailable)
	require.Empty(t, e.Registry().Active())
}

func TestQuickScanRegions(t *testing.T) {
	jpeg := samples.JPEG(64, 3)
	img := concat(zeros(100), jpeg, zeros(2000))
	e := NewEngine(Options{})

	s := scan(t, e, source.NewMemory("img", img), session.ModeQuick, WithRegions([]source.Region{{Start: 0, End: 512}}))
	require.Len(t, s.RecoveredFiles, 1)
	require.Equal(t, int64(512), s.BytesScanned)
	require.Equal(t, []source.Region{{Start: 0, End: 512}}, s.Regions)

	// the header lies before the region
	s = scan(t, e, source.NewMemory("img", img), session.ModeQuick, WithRegions([]source.Region{{Start: 101, End: 2000}}))
	require.Empty(t, s.RecoveredFiles)

	_, err := e.Scan(context.Background(), source.NewMemory("img", img), session.ModeQuick, nil)
	require.ErrorIs(t, err, ErrNoRegions)
}

func TestTypeFilter(t *testing.T) {
	e := NewEngine(Options{})
	s := scan(t, e, source.NewMemory("img", fixtureImage()), session.ModeDeep, WithTypes("png", "gif"))
	require.Len(t, s.RecoveredFiles, 2)
	require.Equal(t, "png", s.RecoveredFiles[0].TypeName)
	require.Equal(t, "gif", s.RecoveredFiles[1].TypeName)

	_, err := e.Scan(context.Background(), source.NewMemory("img", fixtureImage()), session.ModeDeep, nil, WithTypes("exe"))
	require.ErrorIs(t, err, catalog.ErrUnknownType)
}

func TestResumeFrom(t *testing.T) {
	s := scan(t, NewEngine(Options{SegmentSize: 512}), source.NewMemory("img", fixtureImage()), session.ModeDeep, WithResumeFrom(512))
	require.Len(t, s.RecoveredFiles, 9)
	require.Equal(t, "zip", s.RecoveredFiles[0].TypeName)
	require.Equal(t, int64(0), s.DuplicatesDropped)
	require.Equal(t, int64(len(fixtureImage())-512), s.BytesScanned)
}

func TestCancelKeepsResumeOffset(t *testing.T) {
	img := fixtureImage()
	var e *Engine
	e = NewEngine(Options{Workers: 1, SegmentSize: 512, Observers: []Observer{Hooks{
		OnSegment: func(ctx context.Context, id string, res *scanner.SegmentResult, resume int64) {
			if res.Segment.Index == 0 {
				require.NoError(t, e.Cancel(ctx, id))
			}
		},
	}}})

	s := scan(t, e, source.NewMemory("img", img), session.ModeDeep, WithID("scan-1"))
	require.Equal(t, "scan-1", s.ID)
	require.Equal(t, session.StatusCancelled, s.Status)
	require.Equal(t, int64(512), s.ResumeOffset)
	require.Equal(t, int64(512), s.BytesScanned)
	// segment 0 owns the jpeg at 37 and the png starting at 462
	require.Len(t, s.RecoveredFiles, 2)
	require.Equal(t, int64(37), s.RecoveredFiles[0].StartOffset)
	require.Equal(t, "png", s.RecoveredFiles[1].TypeName)

	st, ok := e.Registry().Status("scan-1")
	require.True(t, ok)
	require.Equal(t, session.StatusCancelled, st)
	require.ErrorIs(t, e.Cancel(context.Background(), "scan-1"), ErrScanNotRunning)
	require.ErrorIs(t, e.Cancel(context.Background(), "nope"), ErrScanNotFound)
}

func TestParentContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := NewEngine(Options{SegmentSize: 512}).Scan(ctx, source.NewMemory("img", fixtureImage()), session.ModeDeep, nil)
	require.NoError(t, err)
	require.Equal(t, session.StatusCancelled, s.Status)
	require.Equal(t, int64(0), s.ResumeOffset)
	require.Empty(t, s.RecoveredFiles)
}

func TestObserverSequence(t *testing.T) {
	var events []string
	e := NewEngine(Options{Workers: 2, SegmentSize: 1024, Observers: []Observer{Hooks{
		OnStart:   func(_ context.Context, s Started) { events = append(events, fmt.Sprintf("start:%d", s.Segments)) },
		OnSegment: func(context.Context, string, *scanner.SegmentResult, int64) { events = append(events, "segment") },
		OnFinish:  func(_ context.Context, s *session.ScanSession) { events = append(events, "finish:"+string(s.Status)) },
	}}})
	scan(t, e, source.NewMemory("img", fixtureImage()), session.ModeDeep)
	require.Equal(t, []string{"start:5", "segment", "segment", "segment", "segment", "segment", "finish:completed"}, events)
	require.Equal(t, int64(5), e.Metrics().Snapshot().Segments)
}

func TestRegistryCleanup(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	r.Register("a", "img", session.ModeDeep, cancel)
	r.Register("b", "img", session.ModeQuick, func() {})
	require.Len(t, r.Active(), 2)
	r.Complete("b", session.StatusCompleted)
	require.Equal(t, 1, r.Cleanup(-1))
	require.Equal(t, 1, r.CancelAll(context.Background(), "shutdown"))
	require.True(t, errors.Is(ctx.Err(), context.Canceled))
	require.Empty(t, r.Active())
}

func TestCameraJPEGKeepsMainImage(t *testing.T) {
	photo := samples.ExifJPEG(4000, 4)
	img := concat(zeros(100), photo, zeros(64))
	for _, seg := range []int64{512, 1 << 20} {
		s := scan(t, NewEngine(Options{Workers: 2, SegmentSize: seg}), source.NewMemory("img", img), session.ModeDeep)
		require.Len(t, s.RecoveredFiles, 1, summary(s))
		f := s.RecoveredFiles[0]
		require.Equal(t, "jpeg", f.TypeName)
		require.EqualValues(t, 100, f.StartOffset)
		require.EqualValues(t, len(photo), f.Size)
		require.Equal(t, int64(1), s.CandidatesOpened, summary(s))
		require.Zero(t, s.CandidatesRejected)
	}
}

func TestInlinePayloadsStayWithinBudget(t *testing.T) {
	var parts [][]byte
	for i := 0; i < 24; i++ {
		parts = append(parts, zeros(100), samples.JPEG(20<<10, byte(i+1)))
	}
	img := concat(parts...)
	spool := t.TempDir()
	e := NewEngine(Options{
		Workers: 3, SegmentSize: 64 << 10, InlineBudget: 64 << 10,
		Scanner: scanner.Options{InlineLimit: 32 << 10, SpoolDir: spool},
	})
	s := scan(t, e, source.NewMemory("img", img), session.ModeDeep)
	require.Len(t, s.RecoveredFiles, 24)

	var held int64
	spilled := 0
	for _, f := range s.RecoveredFiles {
		held += int64(len(f.Content.Data))
		if f.Content.Path != "" {
			spilled++
		}
		r, err := f.Content.Open()
		require.NoError(t, err)
		digest, err := (dedup.Hasher{}).Sum(r)
		r.Close()
		require.NoError(t, err)
		require.Equal(t, f.ID, digest)
	}
	require.LessOrEqual(t, held, int64(64<<10))
	require.Positive(t, spilled)

	require.NoError(t, s.Release())
	left, err := filepath.Glob(filepath.Join(spool, "carve-*.part"))
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestExtendedTypesRecovered(t *testing.T) {
	parts := []struct {
		typ  string
		data []byte
	}{
		{"tiff", samples.TIFF(300, 1, binary.LittleEndian)},
		{"tiff-be", samples.TIFF(300, 2, binary.BigEndian)},
		{"ico", samples.ICO(64, 3)},
		{"gz", samples.Gzip(500, 4)},
		{"7z", samples.SevenZip(200, 5)},
		{"rar", samples.RAR(150, 6)},
		{"rar5", samples.RAR5(150, 7)},
		{"mp3", samples.MP3(3, 8)},
		{"flv", samples.FLV(4, 32, 9)},
		{"mkv", samples.MKV(256, 10)},
		{"ole2", samples.OLE2(2, 11)},
		{"rtf", samples.RTF(120, 12)},
		{"elf", samples.ELF(200, 13)},
		{"exe", samples.PE(1, 14)},
	}
	var img []byte
	want := make(map[int64]string)
	for _, p := range parts {
		img = append(img, zeros(64)...)
		want[int64(len(img))] = fmt.Sprintf("%s:%d", p.typ, len(p.data))
		img = append(img, p.data...)
	}
	img = append(img, zeros(64)...)

	s := scan(t, NewEngine(Options{}), source.NewMemory("img", img), session.ModeDeep)
	got := make(map[int64]string)
	for _, f := range s.RecoveredFiles {
		got[f.StartOffset] = fmt.Sprintf("%s:%d", f.TypeName, f.EndOffset-f.StartOffset)
	}
	require.Equal(t, want, got, summary(s))
}
