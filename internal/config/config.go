// Package config loads LogGlance settings from a TOML file.
//
// A missing file is not an error: every field has a default. Durations are
// Go duration strings ("50ms", "2s"); sizes accept either an integer byte
// count or a human-readable string ("64KiB", "4GiB"). Example:
//
//	workers        = 4
//	debounce       = "50ms"
//	poll_interval  = "1s"
//	max_file_bytes = "4GiB"
//	state_db       = "~/.local/state/logglance/state.db"
//	resume         = true
//	log_level      = "info"
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	toml "github.com/pelletier/go-toml/v2"
)

// Config holds the effective settings.
type Config struct {
	Workers        int
	Debounce       time.Duration
	PollInterval   time.Duration
	RetryInterval  time.Duration
	SampleBytes    int
	MinConfidence  int
	MaxFileBytes   int64
	ReadChunkBytes int
	StateDB        string // "" disables persisted state
	Resume         bool
	LogLevel       string
}

const (
	defaultConfigPath     = "~/.config/logglance/config.toml"
	defaultStateDB        = "~/.local/state/logglance/state.db"
	defaultDebounce       = 50 * time.Millisecond
	defaultPollInterval   = time.Second
	defaultRetryInterval  = 2 * time.Second
	defaultSampleBytes    = 64 * 1024
	defaultMinConfidence  = 50
	defaultMaxFileBytes   = int64(4) << 30
	defaultReadChunkBytes = 1 << 20
	defaultLogLevel       = "info"
	maxWorkers            = 8
)

var logLevels = []string{"debug", "info", "warn", "error"}

// Default returns the settings used when no config file exists.
func Default() Config {
	return Config{
		Workers:        DefaultWorkers(),
		Debounce:       defaultDebounce,
		PollInterval:   defaultPollInterval,
		RetryInterval:  defaultRetryInterval,
		SampleBytes:    defaultSampleBytes,
		MinConfidence:  defaultMinConfidence,
		MaxFileBytes:   defaultMaxFileBytes,
		ReadChunkBytes: defaultReadChunkBytes,
		StateDB:        mustExpand(defaultStateDB),
		Resume:         true,
		LogLevel:       defaultLogLevel,
	}
}

// DefaultWorkers is the CPU count, capped at 8.
func DefaultWorkers() int {
	return min(runtime.NumCPU(), maxWorkers)
}

// DefaultPath returns the expanded default config file location.
func DefaultPath() string {
	return mustExpand(defaultConfigPath)
}

type raw struct {
	Workers        *int    `toml:"workers"`
	Debounce       string  `toml:"debounce"`
	PollInterval   string  `toml:"poll_interval"`
	RetryInterval  string  `toml:"retry_interval"`
	SampleBytes    any     `toml:"sample_bytes"`
	MinConfidence  *int    `toml:"min_confidence"`
	MaxFileBytes   any     `toml:"max_file_bytes"`
	ReadChunkBytes any     `toml:"read_chunk_bytes"`
	StateDB        *string `toml:"state_db"`
	Resume         *bool   `toml:"resume"`
	LogLevel       string  `toml:"log_level"`
}

// Load reads the config at path, or the default location if path is empty.
// Missing files and empty values fall back to defaults.
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes TOML settings on top of the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	var r raw
	if err := toml.Unmarshal(data, &r); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if r.Workers != nil {
		cfg.Workers = *r.Workers
	}
	if r.MinConfidence != nil {
		cfg.MinConfidence = *r.MinConfidence
	}
	if r.Resume != nil {
		cfg.Resume = *r.Resume
	}

	var err error
	if cfg.Debounce, err = duration("debounce", r.Debounce, cfg.Debounce); err != nil {
		return Config{}, err
	}
	if cfg.PollInterval, err = duration("poll_interval", r.PollInterval, cfg.PollInterval); err != nil {
		return Config{}, err
	}
	if cfg.RetryInterval, err = duration("retry_interval", r.RetryInterval, cfg.RetryInterval); err != nil {
		return Config{}, err
	}

	sample, err := size("sample_bytes", r.SampleBytes, int64(cfg.SampleBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.SampleBytes = int(sample)
	if cfg.MaxFileBytes, err = size("max_file_bytes", r.MaxFileBytes, cfg.MaxFileBytes); err != nil {
		return Config{}, err
	}
	chunk, err := size("read_chunk_bytes", r.ReadChunkBytes, int64(cfg.ReadChunkBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.ReadChunkBytes = int(chunk)

	if r.StateDB != nil {
		db := strings.TrimSpace(*r.StateDB)
		if db != "" {
			if db, err = expandPath(db); err != nil {
				return Config{}, fmt.Errorf("state_db: %w", err)
			}
		}
		cfg.StateDB = db
	}

	if lvl := strings.ToLower(strings.TrimSpace(r.LogLevel)); lvl != "" {
		cfg.LogLevel = lvl
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges.
func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	case c.Debounce < 0:
		return fmt.Errorf("debounce must not be negative")
	case c.PollInterval <= 0:
		return fmt.Errorf("poll_interval must be positive")
	case c.RetryInterval <= 0:
		return fmt.Errorf("retry_interval must be positive")
	case c.SampleBytes <= 0:
		return fmt.Errorf("sample_bytes must be positive")
	case c.MinConfidence < 0 || c.MinConfidence > 100:
		return fmt.Errorf("min_confidence must be within 0-100, got %d", c.MinConfidence)
	case c.MaxFileBytes <= 0:
		return fmt.Errorf("max_file_bytes must be positive")
	case c.ReadChunkBytes <= 0:
		return fmt.Errorf("read_chunk_bytes must be positive")
	}
	for _, l := range logLevels {
		if c.LogLevel == l {
			return nil
		}
	}
	return fmt.Errorf("log_level must be one of %s, got %q", strings.Join(logLevels, ", "), c.LogLevel)
}

// Encode renders the settings as TOML in the same format Load accepts.
func (c Config) Encode() ([]byte, error) {
	out := struct {
		Workers        int    `toml:"workers"`
		Debounce       string `toml:"debounce"`
		PollInterval   string `toml:"poll_interval"`
		RetryInterval  string `toml:"retry_interval"`
		SampleBytes    string `toml:"sample_bytes"`
		MinConfidence  int    `toml:"min_confidence"`
		MaxFileBytes   string `toml:"max_file_bytes"`
		ReadChunkBytes string `toml:"read_chunk_bytes"`
		StateDB        string `toml:"state_db"`
		Resume         bool   `toml:"resume"`
		LogLevel       string `toml:"log_level"`
	}{
		Workers:        c.Workers,
		Debounce:       c.Debounce.String(),
		PollInterval:   c.PollInterval.String(),
		RetryInterval:  c.RetryInterval.String(),
		SampleBytes:    sizeString(int64(c.SampleBytes)),
		MinConfidence:  c.MinConfidence,
		MaxFileBytes:   sizeString(c.MaxFileBytes),
		ReadChunkBytes: sizeString(int64(c.ReadChunkBytes)),
		StateDB:        c.StateDB,
		Resume:         c.Resume,
		LogLevel:       c.LogLevel,
	}
	return toml.Marshal(out)
}

// sizeString prefers the humanized form when it parses back exactly.
func sizeString(n int64) string {
	s := humanize.IBytes(uint64(n))
	if back, err := humanize.ParseBytes(s); err == nil && int64(back) == n {
		return s
	}
	return strconv.FormatInt(n, 10)
}

func duration(key, s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func size(key string, v any, def int64) (int64, error) {
	switch x := v.(type) {
	case nil:
		return def, nil
	case int64:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return def, nil
		}
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%s: want a byte count or size string, got %T", key, v)
	}
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
