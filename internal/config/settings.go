package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits for user-supplied values
const (
	MinTotalThreads = 1
	MaxTotalThreads = 256
)

// Default values
const (
	DefaultTotalThreads     = 8
	DefaultMaxConcurrent    = 6
	DefaultTaskTimeout      = 30 * time.Minute
	DefaultWatchdogInterval = 60 * time.Second
	DefaultRetryAttempts    = 3
	DefaultRetryBackoff     = time.Second
)

// Settings defines the download engine configuration.
type Settings struct {
	// TotalThreads is the global connection budget split across worker
	// instances.
	TotalThreads int `yaml:"total_threads"`

	// DownloadDir is the default destination for fetched media.
	DownloadDir string `yaml:"download_dir"`

	// MaxConcurrent caps how many downloads each worker instance runs at
	// once.
	MaxConcurrent int `yaml:"max_concurrent_per_instance"`

	// TaskTimeout is the wall-clock ceiling on a single download.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// WatchdogInterval is how often the pool health check runs.
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`

	// RetryAttempts and RetryBackoff tune the per-call retry behavior.
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

// Default returns Settings with sensible defaults.
func Default() Settings {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return Settings{
		TotalThreads:     DefaultTotalThreads,
		DownloadDir:      filepath.Join(home, "Downloads"),
		MaxConcurrent:    DefaultMaxConcurrent,
		TaskTimeout:      DefaultTaskTimeout,
		WatchdogInterval: DefaultWatchdogInterval,
		RetryAttempts:    DefaultRetryAttempts,
		RetryBackoff:     DefaultRetryBackoff,
	}
}

// yamlSettings is used for YAML unmarshaling with string durations.
type yamlSettings struct {
	TotalThreads     int    `yaml:"total_threads"`
	DownloadDir      string `yaml:"download_dir"`
	MaxConcurrent    int    `yaml:"max_concurrent_per_instance"`
	TaskTimeout      string `yaml:"task_timeout"`
	WatchdogInterval string `yaml:"watchdog_interval"`
	RetryAttempts    int    `yaml:"retry_attempts"`
	RetryBackoff     string `yaml:"retry_backoff"`
}

// LoadFromFile loads settings from a YAML file on top of the defaults.
func LoadFromFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config file: %w", err)
	}

	var ys yamlSettings
	if err := yaml.Unmarshal(data, &ys); err != nil {
		return Settings{}, fmt.Errorf("parse config file: %w", err)
	}

	s := Default()

	if ys.TotalThreads != 0 {
		s.TotalThreads = ys.TotalThreads
	}
	if ys.DownloadDir != "" {
		s.DownloadDir = ys.DownloadDir
	}
	if ys.MaxConcurrent != 0 {
		s.MaxConcurrent = ys.MaxConcurrent
	}
	if ys.TaskTimeout != "" {
		d, err := time.ParseDuration(ys.TaskTimeout)
		if err != nil {
			return Settings{}, fmt.Errorf("parse task_timeout: %w", err)
		}
		s.TaskTimeout = d
	}
	if ys.WatchdogInterval != "" {
		d, err := time.ParseDuration(ys.WatchdogInterval)
		if err != nil {
			return Settings{}, fmt.Errorf("parse watchdog_interval: %w", err)
		}
		s.WatchdogInterval = d
	}
	if ys.RetryAttempts != 0 {
		s.RetryAttempts = ys.RetryAttempts
	}
	if ys.RetryBackoff != "" {
		d, err := time.ParseDuration(ys.RetryBackoff)
		if err != nil {
			return Settings{}, fmt.Errorf("parse retry_backoff: %w", err)
		}
		s.RetryBackoff = d
	}

	return s, nil
}

// LoadFromEnv loads settings from environment variables.
// Environment variables use the BILI_SYNC_ prefix.
func (s *Settings) LoadFromEnv() error {
	if v := os.Getenv("BILI_SYNC_TOTAL_THREADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse BILI_SYNC_TOTAL_THREADS: %w", err)
		}
		s.TotalThreads = n
	}
	if v := os.Getenv("BILI_SYNC_DOWNLOAD_DIR"); v != "" {
		s.DownloadDir = v
	}
	if v := os.Getenv("BILI_SYNC_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse BILI_SYNC_MAX_CONCURRENT: %w", err)
		}
		s.MaxConcurrent = n
	}
	if v := os.Getenv("BILI_SYNC_TASK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse BILI_SYNC_TASK_TIMEOUT: %w", err)
		}
		s.TaskTimeout = d
	}
	return nil
}

// Validate validates the settings.
func (s *Settings) Validate() error {
	if s.TotalThreads < MinTotalThreads || s.TotalThreads > MaxTotalThreads {
		return fmt.Errorf("config: total_threads must be between %d and %d", MinTotalThreads, MaxTotalThreads)
	}
	if s.DownloadDir == "" {
		return errors.New("config: download_dir is required")
	}
	if s.MaxConcurrent <= 0 {
		return errors.New("config: max_concurrent_per_instance must be positive")
	}
	if s.TaskTimeout <= 0 {
		return errors.New("config: task_timeout must be positive")
	}
	return nil
}

// Manager guards live settings and the cooperative pause flag. Getters
// re-read the current settings on every call so a Reload takes effect on
// the next pool restart without restarting the process.
type Manager struct {
	mu       sync.RWMutex
	settings Settings
	path     string
	paused   atomic.Bool
}

// NewManager creates a manager holding the given settings.
func NewManager(settings Settings) *Manager {
	return &Manager{settings: settings}
}

// NewManagerFromFile loads settings from a YAML file, applies environment
// overrides and returns a manager bound to that file for reloads.
func NewManagerFromFile(path string) (*Manager, error) {
	s, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := s.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Manager{settings: s, path: path}, nil
}

// Reload re-reads the bound settings file.
func (m *Manager) Reload() error {
	if m.path == "" {
		return errors.New("config: manager is not bound to a file")
	}
	s, err := LoadFromFile(m.path)
	if err != nil {
		return err
	}
	if err := s.LoadFromEnv(); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current settings.
func (m *Manager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// TotalThreads returns the current global connection budget.
func (m *Manager) TotalThreads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings.TotalThreads
}

// MaxConcurrent returns the per-instance concurrent download cap.
func (m *Manager) MaxConcurrent() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings.MaxConcurrent
}

// TaskTimeout returns the wall-clock ceiling for one download.
func (m *Manager) TaskTimeout() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings.TaskTimeout
}

// DownloadDir returns the default download destination.
func (m *Manager) DownloadDir() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings.DownloadDir
}

// WatchdogInterval returns the health check period.
func (m *Manager) WatchdogInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings.WatchdogInterval
}

// RetryAttempts returns the per-call retry budget.
func (m *Manager) RetryAttempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings.RetryAttempts
}

// RetryBackoff returns the initial per-call retry delay.
func (m *Manager) RetryBackoff() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings.RetryBackoff
}

// SetPaused flips the user pause flag consulted by the watchdog and the
// poll loop.
func (m *Manager) SetPaused(paused bool) {
	m.paused.Store(paused)
}

// Paused reports whether the user paused the application.
func (m *Manager) Paused() bool {
	return m.paused.Load()
}
