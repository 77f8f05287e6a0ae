package manager

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.MaxConcurrentTasks != 3 || cfg.SegmentConcurrency != 3 {
		t.Errorf("unexpected default concurrency: %+v", cfg)
	}
	if cfg.RootDir == "" || cfg.StoreDir == "" {
		t.Error("defaults must set directories")
	}
	if cfg.AutoPauseOnBackground == nil || !*cfg.AutoPauseOnBackground {
		t.Error("auto pause should default on")
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file must not be an error: %v", err)
	}
	def := DefaultConfig()
	if cfg.MaxConcurrentTasks != def.MaxConcurrentTasks || cfg.KeyTimeout != def.KeyTimeout {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadConfig_MergesWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "maxConcurrentTasks: 5\nkeyTimeout: 3s\nthrottleBytesPerSec: 1024\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.MaxConcurrentTasks != 5 {
		t.Errorf("expected override 5, got %d", cfg.MaxConcurrentTasks)
	}
	if cfg.KeyTimeout != 3*time.Second {
		t.Errorf("expected 3s key timeout, got %v", cfg.KeyTimeout)
	}
	if cfg.ThrottleBytesPerSec != 1024 {
		t.Errorf("expected 1024 B/s throttle, got %d", cfg.ThrottleBytesPerSec)
	}
	if cfg.SegmentConcurrency != DefaultConfig().SegmentConcurrency {
		t.Errorf("unset field must take the default, got %d", cfg.SegmentConcurrency)
	}
}

func TestLoadConfig_AutoPauseExplicitFalse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("autoPauseOnBackground: false\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AutoPauseOnBackground == nil || *cfg.AutoPauseOnBackground {
		t.Error("explicit false must survive defaulting")
	}
	if cfg.taskOptions().AutoPauseOnBackground {
		t.Error("task options must carry the disabled auto pause")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("maxConcurrentTasks: [not a number"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("maxConcurrentTasks: -1\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := LoadConfig(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestConfig_TaskOptions(t *testing.T) {
	cfg := &Config{
		SegmentConcurrency:    7,
		KeyTimeout:            time.Second,
		RequestTimeout:        2 * time.Second,
		ThrottleBytesPerSec:   2048,
		AutoPauseOnBackground: boolPtr(true),
	}
	opts := cfg.taskOptions()
	if opts.SegmentConcurrency != 7 || opts.KeyTimeout != time.Second ||
		opts.RequestTimeout != 2*time.Second || opts.ThrottleBytesPerSec != 2048 || !opts.AutoPauseOnBackground {
		t.Errorf("options not derived from config: %+v", opts)
	}
}
