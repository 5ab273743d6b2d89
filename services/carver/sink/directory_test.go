package sink

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/carver/services/carver/dedup"
	"github.com/swarmguard/carver/services/carver/scanner"
	"github.com/swarmguard/carver/services/carver/session"
)

func fixedDirectory(root string) *Directory {
	d := NewDirectory(root)
	d.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	return d
}

func testSession(data []byte) *session.ScanSession {
	return &session.ScanSession{
		ID:              "0123456789abcdef",
		Status:          session.StatusCompleted,
		DigestAlgorithm: dedup.SHA256,
		RecoveredFiles: []session.RecoveredFile{{
			ID:          (dedup.Hasher{}).SumBytes(data),
			TypeName:    "jpeg",
			Extension:   "jpg",
			StartOffset: 0x200,
			EndOffset:   0x200 + int64(len(data)),
			Size:        int64(len(data)),
			Content:     scanner.Content{Data: data},
		}},
	}
}

func TestExportWritesTree(t *testing.T) {
	root := t.TempDir()
	data := []byte("\xff\xd8\xff payload \xff\xd9")
	s := testSession(data)
	m, err := fixedDirectory(root).Export(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(root, "20260304_050607_01234567")
	if m.Dir != dir || len(m.Files) != 1 {
		t.Fatalf("manifest %+v", m)
	}
	want := filepath.Join(dir, "jpeg", "000000000200_"+s.RecoveredFiles[0].ID[:16]+".jpg")
	if m.Files[0].Path != want {
		t.Fatalf("path %s want %s", m.Files[0].Path, want)
	}
	got, err := os.ReadFile(want)
	if err != nil || string(got) != string(data) {
		t.Fatalf("content %q err %v", got, err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "session.json"))
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]any
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back["id"] != s.ID || back["digest_algorithm"] != "sha256" {
		t.Fatalf("session.json %v", back)
	}
	if _, err := os.Stat(filepath.Join(dir, "manifest.json")); err != nil {
		t.Fatal(err)
	}
}

func TestExportDetectsDigestMismatch(t *testing.T) {
	s := testSession([]byte("abc"))
	s.RecoveredFiles[0].ID = "deadbeef"
	_, err := fixedDirectory(t.TempDir()).Export(context.Background(), s)
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("got %v", err)
	}
}

func TestExportSessionOnly(t *testing.T) {
	root := t.TempDir()
	d := fixedDirectory(root)
	d.SessionOnly = true
	m, err := d.Export(context.Background(), testSession([]byte("abc")))
	if err != nil || len(m.Files) != 0 {
		t.Fatalf("m=%+v err=%v", m, err)
	}
	if _, err := os.Stat(filepath.Join(m.Dir, "jpeg")); !os.IsNotExist(err) {
		t.Fatal("payload directory written")
	}
}

func TestExportContinuesPastFailedPayload(t *testing.T) {
	root := t.TempDir()
	good := []byte("\xff\xd8\xff second payload \xff\xd9")
	s := testSession(good)
	missing := session.RecoveredFile{
		ID: "00ff", TypeName: "png", Extension: "png", StartOffset: 0x10, EndOffset: 0x90, Size: 0x80,
		Content: scanner.Content{Path: filepath.Join(root, "gone.part")},
	}
	s.RecoveredFiles = append([]session.RecoveredFile{missing}, s.RecoveredFiles...)

	m, err := fixedDirectory(root).Export(context.Background(), s)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want missing spool error, got %v", err)
	}
	if len(m.Files) != 1 || m.Files[0].ID != s.RecoveredFiles[1].ID {
		t.Fatalf("exported %+v", m.Files)
	}
	if len(m.Failed) != 1 || m.Failed[0].ID != "00ff" || m.Failed[0].StartOffset != 0x10 {
		t.Fatalf("failed %+v", m.Failed)
	}
	if _, err := os.Stat(filepath.Join(m.Dir, "session.json")); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(m.Dir, "manifest.json"))
	if err != nil {
		t.Fatal(err)
	}
	var back Manifest
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if len(back.Failed) != 1 || len(back.Files) != 1 {
		t.Fatalf("manifest.json %+v", back)
	}
}

func TestDigestMismatchLeavesNoFile(t *testing.T) {
	s := testSession([]byte("abc"))
	s.RecoveredFiles[0].ID = "deadbeef"
	m, err := fixedDirectory(t.TempDir()).Export(context.Background(), s)
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("got %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(m.Dir, "jpeg"))
	if err != nil || len(entries) != 0 {
		t.Fatalf("entries %v err %v", entries, err)
	}
	if _, err := os.Stat(filepath.Join(m.Dir, "manifest.json")); err != nil {
		t.Fatal(err)
	}
}
