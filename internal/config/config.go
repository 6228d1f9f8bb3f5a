// Package config loads the optional YAML overlay for the ambient knobs
// Design Notes §9 calls out. Absent a --config flag, Default() returns the
// same values so the CLI works with zero configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of ambient options the YAML overlay accepts
// (spec.md §9 / SPEC_FULL.md §7). cmd/fcap passes connection_count,
// cpu_affinity_list, chunk_pool_size, backpressure_threshold,
// max_read_bytes_per_sec and logging through to the run. submit_depth,
// write_ring_depth and idle_timeout are validated only: the run always uses
// aio.SubmitDepth, aio.WriteRingDepth and orchestrator.IdleTimeout.
// staging_buffer_bytes must equal the fixed 256 KiB block size.
type Config struct {
	ConnectionCount      int           `yaml:"connection_count"`
	CPUAffinityList      []int         `yaml:"cpu_affinity_list"`
	SubmitDepth          int           `yaml:"submit_depth"`
	ChunkPoolSize        int           `yaml:"chunk_pool_size"`
	WriteRingDepth       int           `yaml:"write_ring_depth"`
	StagingBufferBytes   string        `yaml:"staging_buffer_bytes"`
	StagingBufferBytesRaw int64        `yaml:"-"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	BackpressureThreshold int          `yaml:"backpressure_threshold"`
	MaxReadBytesPerSec   string        `yaml:"max_read_bytes_per_sec"`
	MaxReadBytesPerSecRaw float64      `yaml:"-"`
	Logging              LoggingInfo  `yaml:"logging"`
}

// LoggingInfo configures the slog handler (§8).
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration used when no --config flag is
// given, matching the values documented in SPEC_FULL.md §7.
func Default() *Config {
	return &Config{
		ConnectionCount:       4,
		SubmitDepth:           4096,
		ChunkPoolSize:         1024,
		WriteRingDepth:        16,
		StagingBufferBytes:    "256kb",
		StagingBufferBytesRaw: 256 * 1024,
		IdleTimeout:           10 * time.Second,
		BackpressureThreshold: 192,
		Logging:               LoggingInfo{Level: "info", Format: "json"},
	}
}

// Load reads and validates a YAML config file, overlaying it onto Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ConnectionCount <= 0 {
		return fmt.Errorf("connection_count must be positive, got %d", c.ConnectionCount)
	}
	if c.ChunkPoolSize < 1024 {
		return fmt.Errorf("chunk_pool_size must be at least 1024, got %d", c.ChunkPoolSize)
	}
	if c.SubmitDepth <= 0 {
		return fmt.Errorf("submit_depth must be positive, got %d", c.SubmitDepth)
	}
	if c.WriteRingDepth <= 0 || c.WriteRingDepth&(c.WriteRingDepth-1) != 0 {
		return fmt.Errorf("write_ring_depth must be a positive power of two, got %d", c.WriteRingDepth)
	}
	if c.BackpressureThreshold <= 0 {
		return fmt.Errorf("backpressure_threshold must be positive, got %d", c.BackpressureThreshold)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %s", c.IdleTimeout)
	}

	if c.StagingBufferBytes == "" {
		c.StagingBufferBytes = "256kb"
	}
	raw, err := ParseByteSize(c.StagingBufferBytes)
	if err != nil {
		return fmt.Errorf("staging_buffer_bytes: %w", err)
	}
	if raw != 256*1024 {
		return fmt.Errorf("staging_buffer_bytes must be 256kb (the direct-I/O block size is fixed), got %s", c.StagingBufferBytes)
	}
	c.StagingBufferBytesRaw = raw

	if c.MaxReadBytesPerSec != "" {
		rate, err := ParseByteSize(c.MaxReadBytesPerSec)
		if err != nil {
			return fmt.Errorf("max_read_bytes_per_sec: %w", err)
		}
		c.MaxReadBytesPerSecRaw = float64(rate)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converts human-readable strings like "256kb"/"1gb" to bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Longest suffix first so "mb" doesn't match as "b".
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
