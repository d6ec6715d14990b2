// Package config assembles the run configuration from three layers:
// an optional YAML site file, TILECAST_* environment overrides, and
// CLI flags for the per-run parameters. Later layers win.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultChunkSize is the default number of pixels streamed per
// inference call.
const DefaultChunkSize = 100000

// NProcsAllButOne is the nprocs sentinel meaning "available cores
// minus one".
const NProcsAllButOne = -2

// Config is the fully resolved run configuration.
type Config struct {
	// Per-run parameters (CLI surface)
	Group           string
	ModelPath       string
	Output          string
	ChunkSize       int
	NProcs          int
	GridSpec        string
	Probabilities   bool
	ProbabilityOnly bool
	VirtualMosaic   bool

	// Site parameters (file / environment)
	Store       string
	Workspace   string
	Predictor   string
	Compression string
	Grow        int
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// siteFile is the YAML layout of the optional site configuration.
type siteFile struct {
	Store       string `yaml:"store"`
	Workspace   string `yaml:"workspace"`
	Predictor   string `yaml:"predictor"`
	Compression string `yaml:"compression"`
	Grow        *int   `yaml:"grow"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Load parses args (without the program name) into a Config.
func Load(args []string) (Config, error) {
	cfg := Config{
		Store:       "file://tilecast-data",
		Workspace:   "main",
		Predictor:   "tilecast-predict",
		Compression: "zstd",
		Grow:        1,
		LogLevel:    "info",
		LogFormat:   "text",
	}

	fs := flag.NewFlagSet("tilecast", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML site configuration")
	fs.StringVar(&cfg.Group, "group", "", "imagery group of feature-variable rasters (required)")
	fs.StringVar(&cfg.ModelPath, "load_model", "", "path to the serialized model (required)")
	fs.StringVar(&cfg.Output, "output", "", "name of the output raster (required)")
	fs.IntVar(&cfg.ChunkSize, "chunksize", DefaultChunkSize, "pixels streamed per inference call")
	fs.IntVar(&cfg.NProcs, "nprocs", NProcsAllButOne, "parallel jobs; -2 means available cores minus one")
	fs.StringVar(&cfg.GridSpec, "grid", "", "explicit grid as rows,cols; default nprocs x nprocs")
	fs.BoolVar(&cfg.Probabilities, "p", false, "also produce per-class probability rasters")
	fs.BoolVar(&cfg.ProbabilityOnly, "z", false, "produce probability rasters only")
	fs.BoolVar(&cfg.VirtualMosaic, "v", false, "merge tiles as a virtual mosaic instead of patching")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	path := *configPath
	if path == "" {
		path = os.Getenv("TILECAST_CONFIG")
	}
	if path != "" {
		if err := cfg.applySiteFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()

	return cfg, nil
}

func (c *Config) applySiteFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read site config %s: %w", path, err)
	}
	var site siteFile
	if err := yaml.Unmarshal(data, &site); err != nil {
		return fmt.Errorf("parse site config %s: %w", path, err)
	}

	if site.Store != "" {
		c.Store = site.Store
	}
	if site.Workspace != "" {
		c.Workspace = site.Workspace
	}
	if site.Predictor != "" {
		c.Predictor = site.Predictor
	}
	if site.Compression != "" {
		c.Compression = site.Compression
	}
	if site.Grow != nil {
		c.Grow = *site.Grow
	}
	if site.LogLevel != "" {
		c.LogLevel = site.LogLevel
	}
	if site.LogFormat != "" {
		c.LogFormat = site.LogFormat
	}
	if site.MetricsAddr != "" {
		c.MetricsAddr = site.MetricsAddr
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Store = getenvDefault("TILECAST_STORE", c.Store)
	c.Workspace = getenvDefault("TILECAST_WORKSPACE", c.Workspace)
	c.Predictor = getenvDefault("TILECAST_PREDICTOR", c.Predictor)
	c.Compression = getenvDefault("TILECAST_COMPRESSOR", c.Compression)
	c.LogLevel = getenvDefault("TILECAST_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getenvDefault("TILECAST_LOG_FORMAT", c.LogFormat)
	c.MetricsAddr = getenvDefault("TILECAST_METRICS_ADDR", c.MetricsAddr)
	if v := os.Getenv("TILECAST_GROW"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			c.Grow = parsed
		}
	}
}

// Validate rejects an unusable configuration before any work starts.
func (c Config) Validate() error {
	if c.Group == "" {
		return fmt.Errorf("option -group is required")
	}
	if c.ModelPath == "" {
		return fmt.Errorf("option -load_model is required")
	}
	if c.Output == "" {
		return fmt.Errorf("option -output is required")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunksize must be positive, got %d", c.ChunkSize)
	}
	if c.Grow < 0 {
		return fmt.Errorf("grow margin must not be negative, got %d", c.Grow)
	}
	switch c.Compression {
	case "zstd", "none":
	default:
		return fmt.Errorf("unknown compression %q (want zstd or none)", c.Compression)
	}
	return nil
}

// ResolveParallelism turns the nprocs option into a concrete worker
// count. -2 means available-1; other non-positive values clamp to 1.
// Requesting more workers than cores is allowed and reported by the
// caller as a warning, not an error.
func ResolveParallelism(requested, available int) int {
	if requested == NProcsAllButOne {
		n := available - 1
		if n < 1 {
			n = 1
		}
		return n
	}
	if requested < 1 {
		return 1
	}
	return requested
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
