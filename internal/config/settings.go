package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Settings are the process settings read from the environment
type Settings struct {
	ConfigFile  string `env:"HH_CONFIG_FILE" envDefault:"./configuration.yaml"`
	DBPath      string `env:"HH_DB_PATH" envDefault:"./data/restore.db"`
	HTTPPort    int    `env:"HH_HTTP_PORT" envDefault:"8123"`
	AccessToken string `env:"HH_ACCESS_TOKEN"`
	LogLevel    string `env:"HH_LOG_LEVEL" envDefault:"info"`

	// RestoreInterval is how often entity states are dumped to the store
	RestoreInterval time.Duration `env:"HH_RESTORE_INTERVAL" envDefault:"15m"`

	MQTTBroker      string `env:"HH_MQTT_BROKER"`
	MQTTTopicPrefix string `env:"HH_MQTT_TOPIC_PREFIX" envDefault:"homehelpers"`

	InfluxURL    string `env:"HH_INFLUX_URL"`
	InfluxToken  string `env:"HH_INFLUX_TOKEN"`
	InfluxOrg    string `env:"HH_INFLUX_ORG"`
	InfluxBucket string `env:"HH_INFLUX_BUCKET" envDefault:"homehelpers"`
}

// LoadSettings loads envFiles (default .env) into the environment, without
// overriding variables that are already set, and parses Settings from it.
// Missing env files are not an error.
func LoadSettings(envFiles ...string) (*Settings, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	var s Settings
	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks value ranges env.Parse cannot express
func (s *Settings) Validate() error {
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("HH_HTTP_PORT out of range: %d", s.HTTPPort)
	}
	if s.RestoreInterval <= 0 {
		return fmt.Errorf("HH_RESTORE_INTERVAL must be positive, got %s", s.RestoreInterval)
	}
	if s.InfluxURL != "" && (s.InfluxToken == "" || s.InfluxOrg == "") {
		return fmt.Errorf("HH_INFLUX_TOKEN and HH_INFLUX_ORG are required with HH_INFLUX_URL")
	}
	return nil
}

// MQTTEnabled reports whether state streaming is configured
func (s *Settings) MQTTEnabled() bool {
	return s.MQTTBroker != ""
}

// InfluxEnabled reports whether history recording is configured
func (s *Settings) InfluxEnabled() bool {
	return s.InfluxURL != ""
}
