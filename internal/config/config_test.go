package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("Default() failed validation: %v", err)
	}
	if cfg.StagingBufferBytesRaw != 256*1024 {
		t.Fatalf("expected 256kb staging buffer, got %d", cfg.StagingBufferBytesRaw)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fcap.yaml")
	yamlBody := "connection_count: 8\ncpu_affinity_list: [0, 1, 2, 3, 4, 5, 6, 7]\nlogging:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConnectionCount != 8 {
		t.Fatalf("expected connection_count 8, got %d", cfg.ConnectionCount)
	}
	if len(cfg.CPUAffinityList) != 8 {
		t.Fatalf("expected 8 cpu affinity entries, got %d", len(cfg.CPUAffinityList))
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging.level debug, got %q", cfg.Logging.Level)
	}
	// Untouched fields keep their defaults.
	if cfg.ChunkPoolSize != 1024 {
		t.Fatalf("expected default chunk_pool_size 1024, got %d", cfg.ChunkPoolSize)
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"256kb": 256 * 1024,
		"1mb":   1024 * 1024,
		"1gb":   1024 * 1024 * 1024,
		"512":   512,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestValidateRejectsBadPoolSize(t *testing.T) {
	cfg := Default()
	cfg.ChunkPoolSize = 10
	if err := cfg.validate(); err == nil {
		t.Fatal("expected validation error for chunk_pool_size below 1024")
	}
}

func TestValidateRejectsNonPowerOfTwoRingDepth(t *testing.T) {
	cfg := Default()
	cfg.WriteRingDepth = 17
	if err := cfg.validate(); err == nil {
		t.Fatal("expected validation error for non-power-of-two write_ring_depth")
	}
}
