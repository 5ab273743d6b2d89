package session

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/carver/services/carver/scanner"
	"github.com/swarmguard/carver/services/carver/source"
	"github.com/swarmguard/carver/services/carver/validate"
)

func validRes(typ string, start, end int64, digest string) scanner.Resolution {
	return scanner.Resolution{
		TypeName: typ, Start: start, End: end, Outcome: scanner.OutcomeValid,
		Confidence: validate.ConfidenceHigh, Digest: digest, MinSize: 1, MaxSize: 1 << 20,
	}
}

func fixedClock() func() time.Time {
	t := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time { t = t.Add(time.Second); return t }
}

func TestDuplicateContentAcceptedTwiceStoredOnce(t *testing.T) {
	s := Begin("s1", "img", ModeDeep, WithClock(fixedClock()))
	require.NoError(t, s.RecordResult(validRes("jpeg", 5000, 6000, "aa")))
	require.NoError(t, s.RecordResult(validRes("jpeg", 100, 1100, "aa")))
	out := s.Finalize()
	require.EqualValues(t, 2, out.CandidatesAccepted)
	require.EqualValues(t, 1, out.DuplicatesDropped)
	require.Len(t, out.RecoveredFiles, 1)
	require.EqualValues(t, 100, out.RecoveredFiles[0].StartOffset)
	require.Equal(t, "aa", out.RecoveredFiles[0].ID)
}

func TestOverlapFirstResolvedWins(t *testing.T) {
	s := Begin("s1", "img", ModeDeep)
	// container resolves after the embedded file it covers
	require.NoError(t, s.RecordResult(validRes("zip", 0, 5000, "outer")))
	require.NoError(t, s.RecordResult(validRes("jpeg", 1000, 2000, "inner")))
	require.NoError(t, s.RecordResult(validRes("png", 4000, 6000, "tail")))
	out := s.Finalize()
	require.EqualValues(t, 3, out.CandidatesOpened)
	require.EqualValues(t, 2, out.CandidatesAccepted)
	require.EqualValues(t, 1, out.CandidatesAbandoned)
	require.Len(t, out.RecoveredFiles, 2)
	// the tail only overlapped the container, which was never kept
	require.Equal(t, "inner", out.RecoveredFiles[0].ID)
	require.Equal(t, "tail", out.RecoveredFiles[1].ID)
}

func TestAdjacentRangesDoNotOverlap(t *testing.T) {
	s := Begin("s1", "img", ModeDeep)
	require.NoError(t, s.RecordResult(validRes("jpeg", 0, 100, "a")))
	require.NoError(t, s.RecordResult(validRes("jpeg", 100, 200, "b")))
	out := s.Finalize()
	require.Len(t, out.RecoveredFiles, 2)
	for i := 1; i < len(out.RecoveredFiles); i++ {
		require.LessOrEqual(t, out.RecoveredFiles[i-1].EndOffset, out.RecoveredFiles[i].StartOffset)
	}
}

func TestRejectedAndAbandonedCounted(t *testing.T) {
	s := Begin("s1", "img", ModeQuick)
	require.NoError(t, s.RecordResult(scanner.Resolution{TypeName: "jpeg", Start: 10, End: 115, Outcome: scanner.OutcomeRejected, Reason: "missing SOI"}))
	require.NoError(t, s.RecordResult(scanner.Resolution{TypeName: "png", Start: 200, End: 300, Outcome: scanner.OutcomeAbandoned}))
	out := s.Finalize()
	require.EqualValues(t, 2, out.CandidatesOpened)
	require.EqualValues(t, 1, out.CandidatesRejected)
	require.EqualValues(t, 1, out.CandidatesAbandoned)
	require.Empty(t, out.RecoveredFiles)
	require.Equal(t, StatusCompleted, out.Status)
}

func TestFinalizeIsIdempotentAndFreezes(t *testing.T) {
	s := Begin("s1", "img", ModeDeep, WithClock(fixedClock()))
	require.NoError(t, s.RecordBytes(4096))
	first := s.Finalize()
	second := s.Finalize()
	require.Same(t, first, second)
	require.ErrorIs(t, s.RecordResult(validRes("jpeg", 0, 10, "x")), ErrFrozen)
	require.ErrorIs(t, s.RecordBytes(1), ErrFrozen)
	require.EqualValues(t, 4096, first.BytesScanned)
	require.True(t, first.EndedAt.After(first.StartedAt))
}

func TestCancelledSessionKeepsResumeOffset(t *testing.T) {
	s := Begin("s1", "img", ModeDeep)
	s.Advance(1 << 20)
	s.Advance(512)
	s.MarkCancelled()
	out := s.Finalize()
	require.Equal(t, StatusCancelled, out.Status)
	require.EqualValues(t, 1<<20, out.ResumeOffset)
}

func TestFaultsOrderedAndCoalesced(t *testing.T) {
	s := Begin("s1", "img", ModeDeep)
	require.NoError(t, s.RecordFault(source.NewIoFault(1024, 512, source.ErrBadSector)))
	require.NoError(t, s.RecordFault(source.NewIoFault(1000, 24, source.ErrBadSector)))
	require.NoError(t, s.RecordFault(source.NewIoFault(9000, 120, source.ErrBadSector)))
	out := s.Finalize()
	require.Len(t, out.Errors, 2)
	require.EqualValues(t, 1000, out.Errors[0].Offset)
	require.EqualValues(t, 536, out.Errors[0].Length)
	require.EqualValues(t, 9000, out.Errors[1].Offset)
}

func TestJSONFieldNames(t *testing.T) {
	s := Begin("s1", "disk.img", ModeDeep)
	require.NoError(t, s.RecordResult(validRes("jpeg", 0, 100, "d")))
	b, err := json.Marshal(s.Finalize())
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	for _, k := range []string{"source_identifier", "scan_mode", "bytes_scanned", "candidates_opened",
		"candidates_accepted", "candidates_rejected", "recovered_files", "started_at", "ended_at", "errors"} {
		require.Contains(t, m, k)
	}
	files := m["recovered_files"].([]any)
	f := files[0].(map[string]any)
	require.Equal(t, "high", f["confidence"])
	require.EqualValues(t, 100, f["size"])
	require.Equal(t, "deep", m["scan_mode"])
}

func TestEmbeddedThumbnailBelongsToHost(t *testing.T) {
	s := Begin("s1", "img", ModeDeep)
	thumb := validRes("jpeg", 132, 377, "thumb")
	host := validRes("jpeg", 100, 4430, "host")
	host.MetaEnd = 500
	// the thumbnail resolves first but sits in the host's metadata
	require.NoError(t, s.RecordResult(thumb))
	require.NoError(t, s.RecordResult(host))
	out := s.Finalize()
	require.EqualValues(t, 1, out.CandidatesOpened)
	require.EqualValues(t, 1, out.CandidatesAccepted)
	require.Zero(t, out.CandidatesAbandoned)
	require.Len(t, out.RecoveredFiles, 1)
	require.Equal(t, "host", out.RecoveredFiles[0].ID)
}

func TestHeadersInsideAcceptedRangeIgnored(t *testing.T) {
	s := Begin("s1", "img", ModeDeep)
	require.NoError(t, s.RecordResult(validRes("jpeg", 1000, 3000, "jpg")))
	// a stray %PDF- in the jpeg body that never found its trailer
	require.NoError(t, s.RecordResult(scanner.Resolution{TypeName: "pdf", Start: 1500, End: 9000, Outcome: scanner.OutcomeAbandoned}))
	// a rejected candidate inside the body
	require.NoError(t, s.RecordResult(scanner.Resolution{TypeName: "gif", Start: 2000, End: 2100, Outcome: scanner.OutcomeRejected}))
	// starts before the jpeg and overlaps it: still counted
	require.NoError(t, s.RecordResult(scanner.Resolution{TypeName: "zip", Start: 500, End: 2500, Outcome: scanner.OutcomeRejected}))
	out := s.Finalize()
	require.EqualValues(t, 2, out.CandidatesOpened)
	require.EqualValues(t, 1, out.CandidatesAccepted)
	require.EqualValues(t, 1, out.CandidatesRejected)
	require.Zero(t, out.CandidatesAbandoned)
}

func TestInlinePayloadsSpillOverBudget(t *testing.T) {
	dir := t.TempDir()
	s := Begin("s1", "img", ModeDeep, WithSpill(100, dir))
	for i := 0; i < 5; i++ {
		r := validRes("jpeg", int64(i*1000), int64(i*1000+60), string(rune('a'+i)))
		r.Content = scanner.Content{Data: bytes.Repeat([]byte{byte(i)}, 60)}
		require.NoError(t, s.RecordResult(r))
		require.LessOrEqual(t, s.InlineBytes(), int64(100))
	}
	out := s.Finalize()
	require.Len(t, out.RecoveredFiles, 5)
	spilled := 0
	for i, f := range out.RecoveredFiles {
		if f.Content.Path != "" {
			spilled++
		}
		rc, err := f.Content.Open()
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		require.Equal(t, bytes.Repeat([]byte{byte(i)}, 60), got)
	}
	require.Equal(t, 4, spilled)
	require.NoError(t, out.Release())
	left, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, left)
}
