package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	corelog "github.com/swarmguard/carver/libs/go/core/logging"
	"github.com/swarmguard/carver/services/carver/catalog"
	"github.com/swarmguard/carver/services/carver/session"
)

// serve runs scheduled scans until ctx ends. Shutdown cancels the running
// scan; it finalizes as cancelled and is still exported and recorded.
func (a *app) serve(ctx context.Context) error {
	if a.cfg.Source == "" {
		return errors.New("serve needs a source")
	}
	if a.watcher != nil {
		a.watcher.OnChange(func(c *catalog.Catalog) {
			a.log.Info("catalog reloaded", "version", c.Version(), "types", len(c.Descriptors()))
		})
		if err := a.watcher.Start(ctx); err != nil {
			return err
		}
	}

	sched := cron.New(cron.WithSeconds())
	if _, err := sched.AddFunc(a.cfg.Serve.Schedule, func() { a.scheduledScan(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", a.cfg.Serve.Schedule, err)
	}
	if _, err := sched.AddFunc("@every 1m", func() {
		if n := a.engine.Registry().Cleanup(a.cfg.Serve.Retention); n > 0 {
			a.log.Debug("finished scans pruned", "count", n)
		}
		m := a.engine.Metrics().Snapshot()
		a.log.Info("carver totals", "bytes", corelog.Bytes(m.BytesScanned), "segments", m.Segments,
			"valid", m.Valid, "rejected", m.Rejected, "faults", m.Faults, "active", len(a.engine.Registry().Active()))
	}); err != nil {
		return err
	}
	sched.Start()
	a.log.Info("carver serving", "source", a.cfg.Source, "schedule", a.cfg.Serve.Schedule, "mode", a.cfg.Scan.Mode)

	<-ctx.Done()
	if n := a.engine.Registry().CancelAll(context.Background(), "shutdown"); n > 0 {
		a.log.Info("running scans cancelled", "count", n)
	}
	stopCtx := sched.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		a.log.Warn("scheduled scan did not stop in time")
	}
	return nil
}

func (a *app) scheduledScan(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s, err := a.scan(ctx, session.Mode(a.cfg.Scan.Mode))
	switch {
	case errors.Is(err, errScanBusy):
		a.log.Warn("previous scan still running, skipping this run")
	case s == nil:
		a.log.Error("scheduled scan failed", "source", a.cfg.Source, "error", err)
	case err != nil:
		a.log.Error("scheduled scan recorded with errors", "session_id", s.ID, "error", err)
	}
}
