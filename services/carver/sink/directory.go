// Package sink exports finalized sessions for people and report tools.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/swarmguard/carver/libs/go/core/logging"
	"github.com/swarmguard/carver/services/carver/dedup"
	"github.com/swarmguard/carver/services/carver/session"
)

// ErrDigestMismatch means an exported payload did not hash to its recovery ID.
var ErrDigestMismatch = errors.New("exported content digest mismatch")

// ExportedFile is one payload written to disk.
type ExportedFile struct {
	ID       string `json:"id"`
	TypeName string `json:"type_name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
}

// FailedFile is a payload that could not be exported.
type FailedFile struct {
	ID          string `json:"id"`
	TypeName    string `json:"type_name"`
	StartOffset int64  `json:"start_offset"`
	Error       string `json:"error"`
}

// Manifest lists what an export produced.
type Manifest struct {
	SessionID string         `json:"session_id"`
	Dir       string         `json:"dir"`
	Files     []ExportedFile `json:"files"`
	Failed    []FailedFile   `json:"failed,omitempty"`
}

// Directory writes each session into a timestamped folder under Root:
//
//	<root>/<YYYYMMDD_HHMMSS>_<session>/<type>/<offset>_<digest>.<ext>
//	<root>/<YYYYMMDD_HHMMSS>_<session>/session.json
//	<root>/<YYYYMMDD_HHMMSS>_<session>/manifest.json
type Directory struct {
	Root string
	// SessionOnly skips payloads and writes only the JSON records.
	SessionOnly bool
	Logger      *slog.Logger
	now         func() time.Time
}

func NewDirectory(root string) *Directory {
	return &Directory{Root: root, Logger: slog.Default(), now: time.Now}
}

// Export writes s and re-hashes every payload while copying it. A payload
// that fails is listed in the manifest and the rest are still written;
// session.json and manifest.json are always written. The returned error
// joins every failure.
func (d *Directory) Export(ctx context.Context, s *session.ScanSession) (*Manifest, error) {
	stamp := d.now().UTC().Format("20060102_150405")
	id := s.ID
	if len(id) > 8 {
		id = id[:8]
	}
	dir := filepath.Join(d.Root, stamp+"_"+id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	m := &Manifest{SessionID: s.ID, Dir: dir, Files: []ExportedFile{}}
	var errs []error
	var total int64
	if !d.SessionOnly {
		hasher := dedup.Hasher{Algorithm: s.DigestAlgorithm}
		for _, f := range s.RecoveredFiles {
			err := ctx.Err()
			var ef ExportedFile
			if err == nil {
				ef, err = d.writeFile(dir, hasher, f)
			}
			if err != nil {
				d.Logger.Warn("payload not exported", "session_id", s.ID, "id", f.ID, "offset", f.StartOffset, "error", err)
				m.Failed = append(m.Failed, FailedFile{ID: f.ID, TypeName: f.TypeName, StartOffset: f.StartOffset, Error: err.Error()})
				errs = append(errs, err)
				continue
			}
			total += ef.Size
			m.Files = append(m.Files, ef)
		}
	}
	if err := writeJSON(filepath.Join(dir, "session.json"), s); err != nil {
		errs = append(errs, err)
	}
	if err := writeJSON(filepath.Join(dir, "manifest.json"), m); err != nil {
		errs = append(errs, err)
	}
	d.Logger.Info("session exported", "session_id", s.ID, "dir", dir, "files", len(m.Files), "failed", len(m.Failed), "size", logging.Bytes(total))
	return m, errors.Join(errs...)
}

func (d *Directory) writeFile(dir string, hasher dedup.Hasher, f session.RecoveredFile) (ExportedFile, error) {
	sub := filepath.Join(dir, f.TypeName)
	if err := os.MkdirAll(sub, 0o750); err != nil {
		return ExportedFile{}, err
	}
	digest := f.ID
	if len(digest) > 16 {
		digest = digest[:16]
	}
	name := fmt.Sprintf("%012x_%s", f.StartOffset, digest)
	if f.Extension != "" {
		name += "." + f.Extension
	}
	path := filepath.Join(sub, name)

	r, err := f.Content.Open()
	if err != nil {
		return ExportedFile{}, fmt.Errorf("open %s: %w", f.ID, err)
	}
	defer r.Close()
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return ExportedFile{}, err
	}
	h := hasher.Algorithm.New()
	n, err := io.Copy(io.MultiWriter(out, h), r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		if got := fmt.Sprintf("%x", h.Sum(nil)); got != f.ID {
			err = fmt.Errorf("%w: %s wrote %s", ErrDigestMismatch, f.ID, got)
		}
	}
	if err != nil {
		os.Remove(path)
		return ExportedFile{}, fmt.Errorf("write %s: %w", path, err)
	}
	return ExportedFile{ID: f.ID, TypeName: f.TypeName, Path: path, Size: n}, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o640)
}
