package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/carver/libs/go/core/resilience"
	"github.com/swarmguard/carver/services/carver/catalog"
	"github.com/swarmguard/carver/services/carver/config"
	"github.com/swarmguard/carver/services/carver/dedup"
	"github.com/swarmguard/carver/services/carver/events"
	"github.com/swarmguard/carver/services/carver/faultlog"
	"github.com/swarmguard/carver/services/carver/recovery"
	"github.com/swarmguard/carver/services/carver/scanner"
	"github.com/swarmguard/carver/services/carver/session"
	"github.com/swarmguard/carver/services/carver/sink"
	"github.com/swarmguard/carver/services/carver/source"
	"github.com/swarmguard/carver/services/carver/store"
)

// app wires the engine to its sinks for one process.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	engine  *recovery.Engine
	catalog func() *catalog.Catalog
	watcher *catalog.Watcher

	export      *sink.Directory
	content     *store.ContentStore
	checkpoints *store.CheckpointStore
	activity    *faultlog.Log
	nc          *nats.Conn

	mu sync.Mutex // one scan at a time
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	if err := a.loadCatalog(); err != nil {
		a.close()
		return nil, err
	}
	if err := a.openSinks(); err != nil {
		a.close()
		return nil, err
	}

	alg, err := dedup.ParseAlgorithm(cfg.Scan.Digest)
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine = recovery.NewEngine(recovery.Options{
		Workers:      cfg.Scan.Workers,
		SegmentSize:  int64(cfg.Scan.SegmentSize),
		SectorSize:   cfg.Scan.SectorSize,
		InlineBudget: int64(cfg.Scan.InlineBudget),
		Logger:       log,
		Scanner: scanner.Options{
			ChunkSize:     int(cfg.Scan.ChunkSize),
			MaxCandidates: cfg.Scan.MaxCandidates,
			InlineLimit:   int64(cfg.Scan.InlineLimit),
			SpoolDir:      cfg.Scan.SpoolDir,
			Hasher:        dedup.Hasher{Algorithm: alg},
			Logger:        log,
		},
	})
	if a.activity != nil {
		a.engine.AddObserver(a.activity.Observer())
	}
	if a.nc != nil {
		p := events.NewPublisher(a.nc, log)
		p.Progress = cfg.NATS.Progress
		a.engine.AddObserver(p)
	}
	if a.checkpoints != nil {
		a.engine.AddObserver(recovery.Hooks{OnSegment: a.checkpoint})
	}
	return a, nil
}

func (a *app) loadCatalog() error {
	path := a.cfg.Scan.Catalog
	switch {
	case path == "":
		c := catalog.Default()
		a.catalog = func() *catalog.Catalog { return c }
	case a.cfg.Serve.WatchCatalog:
		w, err := catalog.NewWatcher(path)
		if err != nil {
			return err
		}
		a.watcher = w
		a.catalog = w.Current
	default:
		c, err := catalog.LoadFile(path)
		if err != nil {
			return err
		}
		a.catalog = func() *catalog.Catalog { return c }
	}
	return nil
}

func (a *app) openSinks() error {
	var err error
	if a.cfg.Output.Dir != "" {
		a.export = sink.NewDirectory(a.cfg.Output.Dir)
		a.export.SessionOnly = a.cfg.Output.SessionOnly
		a.export.Logger = a.log
	}
	if p := a.cfg.Store.ContentPath; p != "" {
		if a.content, err = store.OpenContentStore(p, int64(a.cfg.Store.MaxBlobSize)); err != nil {
			return err
		}
	}
	if p := a.cfg.Store.CheckpointPath; p != "" {
		if a.checkpoints, err = store.OpenCheckpointStore(p); err != nil {
			return err
		}
	}
	if p := a.cfg.ActivityLog; p != "" {
		if a.activity, err = faultlog.Open(p); err != nil {
			return err
		}
	}
	if u := a.cfg.NATS.URL; u != "" {
		nc, err := nats.Connect(u, nats.Name("carver"), nats.MaxReconnects(-1))
		if err != nil {
			a.log.Warn("nats unavailable, scan events disabled", "url", u, "error", err)
		} else {
			a.nc = nc
		}
	}
	return nil
}

func (a *app) close() {
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.nc != nil {
		a.nc.Drain()
	}
	if a.activity != nil {
		a.activity.Close()
	}
	if a.checkpoints != nil {
		a.checkpoints.Close()
	}
	if a.content != nil {
		a.content.Close()
	}
}

// checkpoint persists the resume offset after every segment so a crashed
// scan can continue.
func (a *app) checkpoint(ctx context.Context, id string, res *scanner.SegmentResult, resume int64) {
	err := a.checkpoints.Save(ctx, store.Checkpoint{
		Source:         a.cfg.Source,
		SessionID:      id,
		Mode:           session.Mode(a.cfg.Scan.Mode),
		Status:         session.StatusRunning,
		ResumeOffset:   resume,
		CatalogVersion: a.catalog().Version(),
	})
	if err != nil {
		a.log.Warn("checkpoint save failed", "session_id", id, "error", err)
	}
}

func (a *app) source() source.Source {
	opts := source.Options{SectorSize: a.cfg.Scan.SectorSize, Retries: a.cfg.Scan.Retries}
	if bps := int64(a.cfg.Scan.ThrottleBPS); bps > 0 {
		opts.Throttle = resilience.NewRateLimiter(bps, float64(bps))
	}
	return source.NewFile(a.cfg.Source, opts)
}

var errScanBusy = errors.New("a scan is already running")

// scan runs one scan of the configured source, then exports, stores and
// records the session. Payload spool files are released at the end.
func (a *app) scan(ctx context.Context, mode session.Mode) (*session.ScanSession, error) {
	if !a.mu.TryLock() {
		return nil, errScanBusy
	}
	defer a.mu.Unlock()
	if a.cfg.Source == "" {
		return nil, fmt.Errorf("%w: no source configured", config.ErrInvalid)
	}

	opts := []recovery.ScanOption{recovery.WithRegions(a.cfg.Scan.Regions), recovery.WithTypes(a.cfg.Scan.Types...)}
	if a.cfg.Scan.Resume && a.checkpoints != nil {
		cp, ok, err := a.checkpoints.Load(ctx, a.cfg.Source)
		if err != nil {
			return nil, err
		}
		if ok && cp.Mode == mode {
			a.log.Info("resuming scan", "source", cp.Source, "previous_session", cp.SessionID, "resume_offset", cp.ResumeOffset)
			opts = append(opts, recovery.WithResumeFrom(cp.ResumeOffset))
		}
	}

	s, err := a.engine.Scan(ctx, a.source(), mode, a.catalog(), opts...)
	if err != nil {
		return nil, err
	}
	defer s.Release()

	// records are written even when the scan was cancelled
	post := context.WithoutCancel(ctx)
	var errs []error
	if a.export != nil {
		if _, err := a.export.Export(post, s); err != nil {
			errs = append(errs, fmt.Errorf("export: %w", err))
		}
	}
	if a.content != nil {
		n, err := a.content.Archive(post, s)
		if err != nil {
			errs = append(errs, fmt.Errorf("content store: %w", err))
		}
		a.log.Info("payloads archived", "session_id", s.ID, "new", n)
	}
	if a.checkpoints != nil {
		if err := a.checkpoints.Record(post, s); err != nil {
			errs = append(errs, fmt.Errorf("checkpoint: %w", err))
		}
	}
	return s, errors.Join(errs...)
}
