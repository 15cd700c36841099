package config

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Loader reads the YAML configuration file. The file is a mapping of
// component domain to that component's section; sections are left as
// decoded YAML so each component validates its own.
type Loader struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	current map[string]interface{}
}

// NewLoader creates a new configuration loader
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:   path,
		logger: logger,
	}
}

// Path returns the configuration file path
func (l *Loader) Path() string {
	return l.path
}

// Load reads and parses the configuration file. The result replaces the
// configuration returned by Current and Section.
func (l *Loader) Load() (map[string]interface{}, error) {
	l.logger.Debug("Loading configuration", zap.String("path", l.path))

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	config := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	l.mu.Lock()
	l.current = config
	l.mu.Unlock()

	l.logger.Info("Configuration loaded",
		zap.String("path", l.path),
		zap.Int("sections", len(config)))
	return config, nil
}

// Current returns the last loaded configuration, or nil before Load
func (l *Loader) Current() map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Section returns the raw section of a domain from the last loaded
// configuration. ok is false when the domain has no section.
func (l *Loader) Section(domain string) (section interface{}, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	section, ok = l.current[domain]
	return section, ok
}
