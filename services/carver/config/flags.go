package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Flags holds command-line overrides. Only flags that were set on the
// command line replace configured values.
type Flags struct {
	ConfigPath string

	source      string
	mode        string
	regions     string
	types       []string
	catalog     string
	digest      string
	workers     int
	segmentSize string
	chunkSize   string
	throttle    string
	resume      bool
	output      string
	sessionOnly bool
	contentDB   string
	checkpoint  string
	activityLog string
	natsURL     string
	schedule    string
	watch       bool
}

// RegisterFlags defines the carver flags on fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVarP(&f.ConfigPath, "config", "c", "", "config file (.yaml, .yml or .toml)")
	fs.StringVarP(&f.source, "source", "s", "", "disk image or block device to scan")
	fs.StringVarP(&f.mode, "mode", "m", "", "scan mode: quick or deep")
	fs.StringVar(&f.regions, "regions", "", "quick scan regions, e.g. 0:1MiB,4MiB:8MiB")
	fs.StringSliceVarP(&f.types, "types", "t", nil, "restrict carving to these type names")
	fs.StringVar(&f.catalog, "catalog", "", "signature catalog file (.json, .yaml or .toml)")
	fs.StringVar(&f.digest, "digest", "", "content digest: sha256 or blake3")
	fs.IntVarP(&f.workers, "workers", "w", 0, "concurrent segment workers")
	fs.StringVar(&f.segmentSize, "segment-size", "", "bytes per work segment")
	fs.StringVar(&f.chunkSize, "chunk-size", "", "bytes per read")
	fs.StringVar(&f.throttle, "throttle", "", "maximum read rate in bytes per second")
	fs.BoolVar(&f.resume, "resume", false, "continue from the stored checkpoint of this source")
	fs.StringVarP(&f.output, "output", "o", "", "export directory for recovered files")
	fs.BoolVar(&f.sessionOnly, "session-only", false, "export only session records, no payloads")
	fs.StringVar(&f.contentDB, "content-store", "", "content store directory")
	fs.StringVar(&f.checkpoint, "checkpoint-db", "", "checkpoint database file")
	fs.StringVar(&f.activityLog, "activity-log", "", "forensic activity log file")
	fs.StringVar(&f.natsURL, "nats-url", "", "NATS server for scan events")
	fs.StringVar(&f.schedule, "schedule", "", "cron schedule (with seconds) for serve mode")
	fs.BoolVar(&f.watch, "watch-catalog", false, "reload the catalog file when it changes")
	return f
}

// Apply copies every flag set on fs into c and validates the result.
func (f *Flags) Apply(fs *pflag.FlagSet, c *Config) error {
	set := func(name string, fn func() error) error {
		if !fs.Changed(name) {
			return nil
		}
		if err := fn(); err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
		return nil
	}
	str := func(dst *string, v string) func() error { return func() error { *dst = v; return nil } }
	size := func(dst *Size, v string) func() error {
		return func() error {
			n, err := ParseSize(v)
			*dst = n
			return err
		}
	}
	steps := []struct {
		name string
		fn   func() error
	}{
		{"source", str(&c.Source, f.source)},
		{"mode", str(&c.Scan.Mode, f.mode)},
		{"regions", func() error {
			r, err := ParseRegions(f.regions)
			c.Scan.Regions = r
			return err
		}},
		{"types", func() error { c.Scan.Types = f.types; return nil }},
		{"catalog", str(&c.Scan.Catalog, f.catalog)},
		{"digest", str(&c.Scan.Digest, f.digest)},
		{"workers", func() error { c.Scan.Workers = f.workers; return nil }},
		{"segment-size", size(&c.Scan.SegmentSize, f.segmentSize)},
		{"chunk-size", size(&c.Scan.ChunkSize, f.chunkSize)},
		{"throttle", size(&c.Scan.ThrottleBPS, f.throttle)},
		{"resume", func() error { c.Scan.Resume = f.resume; return nil }},
		{"output", str(&c.Output.Dir, f.output)},
		{"session-only", func() error { c.Output.SessionOnly = f.sessionOnly; return nil }},
		{"content-store", str(&c.Store.ContentPath, f.contentDB)},
		{"checkpoint-db", str(&c.Store.CheckpointPath, f.checkpoint)},
		{"activity-log", str(&c.ActivityLog, f.activityLog)},
		{"nats-url", str(&c.NATS.URL, f.natsURL)},
		{"schedule", str(&c.Serve.Schedule, f.schedule)},
		{"watch-catalog", func() error { c.Serve.WatchCatalog = f.watch; return nil }},
	}
	for _, s := range steps {
		if err := set(s.name, s.fn); err != nil {
			return err
		}
	}
	return c.Validate()
}

// Resolve loads the configured file and environment, then applies the
// command line. fs must already be parsed.
func (f *Flags) Resolve(fs *pflag.FlagSet) (*Config, error) {
	cfg, err := load(f.ConfigPath)
	if err != nil {
		return nil, err
	}
	return cfg, f.Apply(fs, cfg)
}
