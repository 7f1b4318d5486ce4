// Package config provides a configuration manager that loads and watches a JSON configuration file
// holding the settings that can change while the service runs.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ubuntu/decorate"
)

// Duration is a time.Duration read from a JSON string such as "1h" or "90s".
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// RateLimit is the admission quota applied to every client.
type RateLimit struct {
	Requests int      `json:"requests"`
	Window   Duration `json:"window"`
}

// Conf represents the configuration structure.
type Conf struct {
	RateLimit RateLimit `json:"rateLimit"`
}

func (c Conf) validate() error {
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("rateLimit.requests must be positive, got %d", c.RateLimit.Requests)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rateLimit.window must be positive, got %s", time.Duration(c.RateLimit.Window))
	}
	return nil
}

// Manager is a struct that manages the configuration.
type Manager struct {
	config     Conf
	lock       sync.RWMutex
	configPath string

	log *slog.Logger
}

type options struct {
	Logger *slog.Logger
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// New creates a new configuration manager with the specified path and initial configuration.
// The initial configuration is served until a file is successfully loaded.
func New(path string, initial Conf, args ...Options) *Manager {
	opts := options{
		Logger: slog.Default(),
	}

	for _, opt := range args {
		opt(&opts)
	}

	return &Manager{
		config:     initial,
		configPath: path,
		log:        opts.Logger,
	}
}

// Load reads the configuration from the specified file and updates the internal state.
// An invalid file leaves the current configuration in place.
func (cm *Manager) Load() (err error) {
	defer decorate.OnError(&err, "could not load configuration from %s", cm.configPath)

	file, err := os.Open(cm.configPath)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer file.Close()

	var newConfig Conf
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&newConfig); err != nil {
		return fmt.Errorf("decoding config JSON: %w", err)
	}
	if err := newConfig.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	cm.lock.Lock()
	cm.config = newConfig
	cm.lock.Unlock()

	cm.log.Info("Configuration loaded", "requests", newConfig.RateLimit.Requests, "window", time.Duration(newConfig.RateLimit.Window))
	return nil
}

// Watch starts watching the configuration file for changes.
//
// It returns two channels: one for configuration changes which result in a successful load and another for unrecoverable watcher errors.
func (cm *Manager) Watch(ctx context.Context) (changes <-chan struct{}, errs <-chan error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create watcher: %v", err)
	}

	configDir, _ := filepath.Split(cm.configPath)
	if configDir == "" {
		configDir = "."
	}
	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("failed to add directory %s to watcher: %v", configDir, err)
	}

	cm.log.Info("Watching configuration directory", "dir", configDir)
	changesCh := make(chan struct{}, 1)
	errorsCh := make(chan error, 1)

	go func() {
		defer close(changesCh)
		defer close(errorsCh)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				cm.log.Info("Configuration watcher stopped")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					errorsCh <- errors.New("watcher events channel closed unexpectedly")
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Clean(event.Name) != filepath.Clean(cm.configPath) {
					continue
				}

				cm.log.Debug("Configuration file changed. Reloading...")
				if err := cm.Load(); err != nil {
					cm.log.Warn("Error reloading config", "err", err)
					continue
				}

				select {
				case changesCh <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					errorsCh <- errors.New("watcher errors channel closed unexpectedly")
					return
				}
				cm.log.Warn("Watcher error", "err", err)
			}
		}
	}()

	return changesCh, errorsCh, nil
}

// RateLimit returns the current rate limiting quota and window.
func (cm *Manager) RateLimit() (requests int, window time.Duration) {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	return cm.config.RateLimit.Requests, time.Duration(cm.config.RateLimit.Window)
}
