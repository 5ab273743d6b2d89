package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/carver/services/carver/internal/samples"
	"github.com/swarmguard/carver/services/carver/session"
)

func writeImage(t *testing.T) string {
	t.Helper()
	var img []byte
	img = append(img, make([]byte, 100)...)
	img = append(img, samples.JPEG(200, 1)...)
	img = append(img, make([]byte, 700)...)
	img = append(img, samples.PNG(300, 2)...)
	img = append(img, make([]byte, 1200)...)
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, img, 0o644))
	return path
}

func TestScanCommand(t *testing.T) {
	img := writeImage(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "recovered")
	activity := filepath.Join(dir, "activity.jsonl")
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"scan", img,
		"-o", out,
		"--segment-size", "1KiB",
		"--content-store", filepath.Join(dir, "blobs"),
		"--checkpoint-db", filepath.Join(dir, "checkpoints.db"),
		"--activity-log", activity,
	}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var s session.ScanSession
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &s))
	require.Equal(t, session.StatusCompleted, s.Status)
	require.Equal(t, img, s.SourceIdentifier)
	require.Len(t, s.RecoveredFiles, 2)
	require.Equal(t, "jpeg", s.RecoveredFiles[0].TypeName)
	require.EqualValues(t, 100, s.RecoveredFiles[0].StartOffset)
	require.Equal(t, "png", s.RecoveredFiles[1].TypeName)

	runs, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	_, err = os.Stat(filepath.Join(out, runs[0].Name(), "manifest.json"))
	require.NoError(t, err)

	stdout.Reset()
	require.Equal(t, 0, run(context.Background(), []string{"verify-log", activity}, &stdout, &stderr))
	require.Contains(t, stdout.String(), "chain intact")
}

func TestScanCommandCancelled(t *testing.T) {
	img := writeImage(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var stdout, stderr bytes.Buffer
	code := run(ctx, []string{"scan", img, "--session-only", "-o", t.TempDir()}, &stdout, &stderr)
	require.Equal(t, 3, code, stderr.String())

	var s session.ScanSession
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &s))
	require.Equal(t, session.StatusCancelled, s.Status)
	require.Zero(t, s.ResumeOffset)
}

func TestUsageErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	ctx := context.Background()
	require.Equal(t, 2, run(ctx, nil, &stdout, &stderr))
	require.Equal(t, 2, run(ctx, []string{"format"}, &stdout, &stderr))
	require.Equal(t, 2, run(ctx, []string{"scan", "--mode", "quick", "-s", "x.img"}, &stdout, &stderr))
	require.Equal(t, 2, run(ctx, []string{"verify-log"}, &stdout, &stderr))
	require.Equal(t, 1, run(ctx, []string{"scan", "-o", t.TempDir()}, &stdout, &stderr))
	require.Equal(t, 1, run(ctx, []string{"scan", "-s", filepath.Join(t.TempDir(), "missing.img"), "-o", t.TempDir()}, &stdout, &stderr))
}

func TestServeRunsScheduledScans(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the scheduler")
	}
	img := writeImage(t)
	out := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	var stdout, stderr bytes.Buffer
	code := run(ctx, []string{"serve", img, "-o", out, "--session-only", "--schedule", "* * * * * *"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	runs, err := os.ReadDir(out)
	require.NoError(t, err)
	require.NotEmpty(t, runs)
}
