// Package config loads carver settings: defaults, then an optional YAML or
// TOML file, then CARVER_* environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/swarmguard/carver/services/carver/dedup"
	"github.com/swarmguard/carver/services/carver/session"
	"github.com/swarmguard/carver/services/carver/source"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Size is a byte count that accepts "64MiB" style strings in files and
// environment variables.
type Size int64

func (s *Size) UnmarshalText(b []byte) error {
	n, err := ParseSize(string(b))
	if err != nil {
		return err
	}
	*s = n
	return nil
}

func (s Size) MarshalText() ([]byte, error) { return []byte(humanize.IBytes(uint64(s))), nil }

// ParseSize accepts plain integers and humanized sizes ("512", "4KiB", "1GB").
func ParseSize(v string) (Size, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return Size(n), nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", v, err)
	}
	return Size(n), nil
}

type ScanConfig struct {
	Mode          string          `yaml:"mode" toml:"mode" json:"mode"`
	Regions       []source.Region `yaml:"regions" toml:"regions" json:"regions"`
	Types         []string        `yaml:"types" toml:"types" json:"types"`
	Catalog       string          `yaml:"catalog" toml:"catalog" json:"catalog"`
	Digest        string          `yaml:"digest" toml:"digest" json:"digest"`
	Workers       int             `yaml:"workers" toml:"workers" json:"workers"`
	SegmentSize   Size            `yaml:"segment_size" toml:"segment_size" json:"segment_size"`
	ChunkSize     Size            `yaml:"chunk_size" toml:"chunk_size" json:"chunk_size"`
	SectorSize    int             `yaml:"sector_size" toml:"sector_size" json:"sector_size"`
	MaxCandidates int             `yaml:"max_candidates" toml:"max_candidates" json:"max_candidates"`
	InlineLimit   Size            `yaml:"inline_limit" toml:"inline_limit" json:"inline_limit"`
	// InlineBudget caps the payload bytes a session holds in memory;
	// results past it are spilled to SpoolDir.
	InlineBudget Size   `yaml:"inline_budget" toml:"inline_budget" json:"inline_budget"`
	SpoolDir     string `yaml:"spool_dir" toml:"spool_dir" json:"spool_dir"`
	Retries      int    `yaml:"retries" toml:"retries" json:"retries"`
	// ThrottleBPS caps read throughput in bytes per second; 0 disables it.
	ThrottleBPS Size `yaml:"throttle_bps" toml:"throttle_bps" json:"throttle_bps"`
	Resume      bool `yaml:"resume" toml:"resume" json:"resume"`
}

type OutputConfig struct {
	Dir         string `yaml:"dir" toml:"dir" json:"dir"`
	SessionOnly bool   `yaml:"session_only" toml:"session_only" json:"session_only"`
}

type StoreConfig struct {
	ContentPath    string `yaml:"content_path" toml:"content_path" json:"content_path"`
	CheckpointPath string `yaml:"checkpoint_path" toml:"checkpoint_path" json:"checkpoint_path"`
	MaxBlobSize    Size   `yaml:"max_blob_size" toml:"max_blob_size" json:"max_blob_size"`
}

type NATSConfig struct {
	URL      string `yaml:"url" toml:"url" json:"url"`
	Progress bool   `yaml:"progress" toml:"progress" json:"progress"`
}

type ServeConfig struct {
	// Schedule is a cron expression with seconds for recurring quick scans.
	Schedule     string        `yaml:"schedule" toml:"schedule" json:"schedule"`
	WatchCatalog bool          `yaml:"watch_catalog" toml:"watch_catalog" json:"watch_catalog"`
	Retention    time.Duration `yaml:"retention" toml:"retention" json:"retention"`
}

// Config is the full carver configuration.
type Config struct {
	Source      string       `yaml:"source" toml:"source" json:"source"`
	Scan        ScanConfig   `yaml:"scan" toml:"scan" json:"scan"`
	Output      OutputConfig `yaml:"output" toml:"output" json:"output"`
	Store       StoreConfig  `yaml:"store" toml:"store" json:"store"`
	ActivityLog string       `yaml:"activity_log" toml:"activity_log" json:"activity_log"`
	NATS        NATSConfig   `yaml:"nats" toml:"nats" json:"nats"`
	Serve       ServeConfig  `yaml:"serve" toml:"serve" json:"serve"`
}

func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			Mode:          string(session.ModeDeep),
			Digest:        string(dedup.SHA256),
			Workers:       4,
			SegmentSize:   64 << 20,
			ChunkSize:     1 << 20,
			SectorSize:    source.DefaultSectorSize,
			MaxCandidates: 1024,
			InlineLimit:   64 << 10,
			InlineBudget:  64 << 20,
			Retries:       2,
		},
		Output: OutputConfig{Dir: "recovered_files"},
		Store:  StoreConfig{MaxBlobSize: 256 << 20},
		NATS:   NATSConfig{Progress: true},
		Serve:  ServeConfig{Schedule: "0 0 * * * *", Retention: 24 * time.Hour},
	}
}

// Load applies the file at path (if any) and the environment over the
// defaults and validates the result. Flags.Resolve adds the command line.
func Load(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return fmt.Errorf("config %s: unsupported format %q", path, ext)
	}
	return nil
}

// ApplyEnv overrides fields from CARVER_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	size := func(key string, dst *Size) {
		if v := getenv(key); v != "" {
			n, err := ParseSize(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	list := func(key string, dst *[]string) {
		if v := getenv(key); v != "" {
			*dst = splitList(v)
		}
	}

	str("CARVER_SOURCE", &c.Source)
	str("CARVER_MODE", &c.Scan.Mode)
	list("CARVER_TYPES", &c.Scan.Types)
	str("CARVER_CATALOG", &c.Scan.Catalog)
	str("CARVER_DIGEST", &c.Scan.Digest)
	num("CARVER_WORKERS", &c.Scan.Workers)
	size("CARVER_SEGMENT_SIZE", &c.Scan.SegmentSize)
	size("CARVER_CHUNK_SIZE", &c.Scan.ChunkSize)
	num("CARVER_SECTOR_SIZE", &c.Scan.SectorSize)
	num("CARVER_MAX_CANDIDATES", &c.Scan.MaxCandidates)
	size("CARVER_INLINE_LIMIT", &c.Scan.InlineLimit)
	size("CARVER_INLINE_BUDGET", &c.Scan.InlineBudget)
	str("CARVER_SPOOL_DIR", &c.Scan.SpoolDir)
	size("CARVER_THROTTLE_BPS", &c.Scan.ThrottleBPS)
	str("CARVER_OUTPUT_DIR", &c.Output.Dir)
	str("CARVER_CONTENT_STORE", &c.Store.ContentPath)
	str("CARVER_CHECKPOINT_DB", &c.Store.CheckpointPath)
	str("CARVER_ACTIVITY_LOG", &c.ActivityLog)
	str("CARVER_NATS_URL", &c.NATS.URL)
	str("CARVER_SCHEDULE", &c.Serve.Schedule)
	if v := getenv("CARVER_REGIONS"); v != "" {
		r, err := ParseRegions(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("CARVER_REGIONS: %w", err))
		} else {
			c.Scan.Regions = r
		}
	}
	return errors.Join(errs...)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := session.ParseMode(c.Scan.Mode); err != nil {
		errs = append(errs, err)
	}
	if _, err := dedup.ParseAlgorithm(c.Scan.Digest); err != nil {
		errs = append(errs, err)
	}
	if c.Scan.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Scan.Workers))
	}
	if c.Scan.SectorSize < 1 {
		errs = append(errs, fmt.Errorf("sector_size must be positive, got %d", c.Scan.SectorSize))
	}
	if c.Scan.SegmentSize < Size(c.Scan.SectorSize) {
		errs = append(errs, fmt.Errorf("segment_size %d is smaller than one sector", c.Scan.SegmentSize))
	}
	if c.Scan.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive"))
	}
	if c.Scan.MaxCandidates < 1 {
		errs = append(errs, fmt.Errorf("max_candidates must be positive"))
	}
	if c.Scan.InlineLimit < 0 || c.Scan.InlineBudget < 0 {
		errs = append(errs, fmt.Errorf("inline_limit and inline_budget must not be negative"))
	}
	if c.Scan.ThrottleBPS < 0 {
		errs = append(errs, fmt.Errorf("throttle_bps must not be negative"))
	}
	for _, r := range c.Scan.Regions {
		if r.Start < 0 || r.End <= r.Start {
			errs = append(errs, fmt.Errorf("region [%d,%d) is empty or negative", r.Start, r.End))
		}
	}
	if c.Scan.Mode == string(session.ModeQuick) && len(c.Scan.Regions) == 0 {
		errs = append(errs, errors.New("quick mode needs at least one region"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// ParseRegions parses "start:end" pairs separated by commas; both ends
// accept humanized sizes ("0:1MiB,4MiB:8MiB").
func ParseRegions(v string) ([]source.Region, error) {
	var out []source.Region
	for _, part := range splitList(v) {
		lo, hi, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("region %q: want start:end", part)
		}
		s, err := ParseSize(lo)
		if err != nil {
			return nil, err
		}
		e, err := ParseSize(hi)
		if err != nil {
			return nil, err
		}
		out = append(out, source.Region{Start: int64(s), End: int64(e)})
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
