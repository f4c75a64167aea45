package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Application Application `yaml:"application"`
	API         API         `yaml:"api"`
	Realtime    Realtime    `yaml:"realtime"`
	Sync        Sync        `yaml:"sync"`
	Session     Session     `yaml:"session"`
}

type Application struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogLevel string `yaml:"log_level"`
}

type API struct {
	BaseURL           string        `yaml:"base_url"`
	Prefix            string        `yaml:"prefix"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	MaxRetries        int           `yaml:"max_retries"`
}

type Realtime struct {
	URL               string        `yaml:"url"`
	Key               string        `yaml:"key"`
	Cluster           string        `yaml:"cluster"`
	LiveStatuses      []string      `yaml:"live_statuses"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

type Sync struct {
	PageSize       int           `yaml:"page_size"`
	ScrollDebounce time.Duration `yaml:"scroll_debounce"`
	FilterDebounce time.Duration `yaml:"filter_debounce"`
}

type Session struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file or environment
// override says otherwise.
func Default() *Config {
	return &Config{
		Application: Application{
			Name:     "batchwatch",
			Version:  "1.0.0",
			LogLevel: "info",
		},
		API: API{
			BaseURL:           "http://localhost:8000",
			Prefix:            "/api",
			Timeout:           30 * time.Second,
			RequestsPerMinute: 120,
			MaxRetries:        2,
		},
		Realtime: Realtime{
			URL:               "ws://localhost:6001",
			Key:               "devkey",
			Cluster:           "mt1",
			LiveStatuses:      []string{"processing"},
			HandshakeTimeout:  10 * time.Second,
			PingInterval:      30 * time.Second,
			ReadTimeout:       2 * time.Minute,
			ReconnectInterval: 5 * time.Second,
		},
		Sync: Sync{
			PageSize:       10,
			ScrollDebounce: 300 * time.Millisecond,
			FilterDebounce: 300 * time.Millisecond,
		},
		Session: Session{
			Path: defaultSessionPath(),
		},
	}
}

func defaultSessionPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".batchwatch-session.yml"
	}
	return filepath.Join(dir, "batchwatch", "session.yml")
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
