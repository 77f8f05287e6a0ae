package manager

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/w1217358955/BszM3u8Downloader/pkg/store"
	"github.com/w1217358955/BszM3u8Downloader/pkg/task"
)

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("invalid config")

const appDirName = "m3u8downloader"

// Config holds construction-time configuration for a Manager.
type Config struct {
	// RootDir is where each task's output subdirectory is created.
	RootDir string `yaml:"rootDir,omitempty"`
	// StoreDir holds the persisted task records. Unlike RootDir it is
	// fixed for the life of the manager.
	StoreDir string `yaml:"storeDir,omitempty"`
	// MaxConcurrentTasks caps simultaneously active tasks.
	MaxConcurrentTasks int `yaml:"maxConcurrentTasks,omitempty"`
	// SegmentConcurrency is the per-task segment fetch bound.
	SegmentConcurrency int `yaml:"segmentConcurrency,omitempty"`
	// KeyTimeout bounds each task's synchronous key-resolution wait.
	KeyTimeout time.Duration `yaml:"keyTimeout,omitempty"`
	// RequestTimeout applies per network request.
	RequestTimeout time.Duration `yaml:"requestTimeout,omitempty"`
	// ThrottleBytesPerSec limits each task's segment bandwidth; 0 = off.
	ThrottleBytesPerSec int `yaml:"throttleBytesPerSec,omitempty"`
	// SaveDebounce coalesces rapid record updates into one disk write.
	SaveDebounce time.Duration `yaml:"saveDebounce,omitempty"`
	// AutoPauseOnBackground pauses active tasks when the app backgrounds.
	// A pointer so an explicit false is distinguishable from unset; unset
	// defaults to true.
	AutoPauseOnBackground *bool `yaml:"autoPauseOnBackground,omitempty"`
	// EventBuffer sizes the subscriber channel.
	EventBuffer int `yaml:"eventBuffer,omitempty"`
}

// DefaultConfig returns the defaults used when fields are unset.
func DefaultConfig() *Config {
	base := filepath.Join(xdg.DataHome, appDirName)
	return &Config{
		RootDir:               filepath.Join(base, "downloads"),
		StoreDir:              base,
		MaxConcurrentTasks:    3,
		SegmentConcurrency:    3,
		KeyTimeout:            15 * time.Second,
		RequestTimeout:        30 * time.Second,
		SaveDebounce:          store.DefaultDebounce,
		AutoPauseOnBackground: boolPtr(true),
		EventBuffer:           128,
	}
}

// LoadConfig reads a yaml config file and fills unset fields with defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if len(b) > 0 {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, err
		}
	}

	merged := cfg.withDefaults()
	if err := merged.validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

// withDefaults returns a copy with zero fields replaced by defaults.
func (c *Config) withDefaults() *Config {
	defaults := DefaultConfig()
	return &Config{
		RootDir:               zeroOr(c.RootDir, defaults.RootDir),
		StoreDir:              zeroOr(c.StoreDir, defaults.StoreDir),
		MaxConcurrentTasks:    zeroOr(c.MaxConcurrentTasks, defaults.MaxConcurrentTasks),
		SegmentConcurrency:    zeroOr(c.SegmentConcurrency, defaults.SegmentConcurrency),
		KeyTimeout:            zeroOr(c.KeyTimeout, defaults.KeyTimeout),
		RequestTimeout:        zeroOr(c.RequestTimeout, defaults.RequestTimeout),
		ThrottleBytesPerSec:   c.ThrottleBytesPerSec,
		SaveDebounce:          zeroOr(c.SaveDebounce, defaults.SaveDebounce),
		AutoPauseOnBackground: zeroOr(c.AutoPauseOnBackground, defaults.AutoPauseOnBackground),
		EventBuffer:           zeroOr(c.EventBuffer, defaults.EventBuffer),
	}
}

func (c *Config) validate() error {
	if c.RootDir == "" || c.StoreDir == "" {
		return ErrInvalidConfig
	}
	if c.MaxConcurrentTasks <= 0 || c.SegmentConcurrency <= 0 {
		return ErrInvalidConfig
	}
	if c.KeyTimeout <= 0 || c.RequestTimeout <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// taskOptions derives per-task options from the manager config. A nil
// auto-pause pointer means the default (on).
func (c *Config) taskOptions() task.Options {
	return task.Options{
		SegmentConcurrency:    c.SegmentConcurrency,
		KeyTimeout:            c.KeyTimeout,
		RequestTimeout:        c.RequestTimeout,
		ThrottleBytesPerSec:   c.ThrottleBytesPerSec,
		AutoPauseOnBackground: c.AutoPauseOnBackground == nil || *c.AutoPauseOnBackground,
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}
	return v
}

func boolPtr(b bool) *bool { return &b }
