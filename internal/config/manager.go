package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Load loads the configuration from file.
// If the file doesn't exist, a default config file is written first.
// Environment overrides are applied after parsing.
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		config := DefaultConfig()
		if err := m.saveUnsafe(config); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		config.ApplyEnv()
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		m.config = config
		return config, nil
	}

	// Start from defaults so a partial file keeps sane values
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m.config = config
	return config, nil
}

// saveUnsafe saves config without locking (internal use)
func (m *Manager) saveUnsafe(config *Config) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write config to temp file first (atomic write)
	tempPath := m.configPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tempPath, m.configPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	m.config = config
	return nil
}

// Save saves the configuration to file
func (m *Manager) Save(config *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveUnsafe(config)
}

// Get returns the currently loaded configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Watch reloads the configuration whenever the file changes on disk and
// hands the result to onChange. It blocks until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up too.
func (m *Manager) Watch(ctx context.Context, onChange func(*Config, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(m.configPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(m.configPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if _, statErr := os.Stat(m.configPath); statErr != nil {
				continue
			}
			config, err := m.Load()
			onChange(config, err)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			onChange(nil, err)
		}
	}
}
