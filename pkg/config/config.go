package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
		TLS     struct {
			CertFile string `yaml:"cert_file"`
			KeyFile  string `yaml:"key_file"`
		} `yaml:"tls"`
	} `yaml:"server"`
	Storage struct {
		DBPath string `yaml:"db_path"`
		// InlineLimit is the largest binary part (bytes) stored inline on a
		// message before being offloaded to the blob store.
		InlineLimit int `yaml:"inline_limit"`
	} `yaml:"storage"`
	Streams struct {
		// FlushInterval throttles delta writes; pushes inside the window
		// coalesce into one flush.
		FlushInterval time.Duration `yaml:"flush_interval"`
		// Retention is how long a finished/aborted stream buffer is kept.
		Retention time.Duration `yaml:"retention"`
		// InactivityTimeout force-aborts a stream with no pushes.
		InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	} `yaml:"streams"`
	Search struct {
		Text   bool `yaml:"text"`
		Vector struct {
			Enabled bool   `yaml:"enabled"`
			Backend string `yaml:"backend"` // pebble|memory|qdrant
			Qdrant  struct {
				Addr       string `yaml:"addr"`
				Collection string `yaml:"collection"`
			} `yaml:"qdrant"`
		} `yaml:"vector"`
	} `yaml:"search"`
	Model struct {
		Provider string `yaml:"provider"` // ollama|none
		BaseURL  string `yaml:"base_url"`
		Name     string `yaml:"name"`
		Embed    string `yaml:"embed"` // embedding model name; empty disables vector search
		MaxSteps int    `yaml:"max_steps"`
	} `yaml:"model"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	Retention struct {
		Enabled bool   `yaml:"enabled"`
		Cron    string `yaml:"cron"`
	} `yaml:"retention"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text|json
	} `yaml:"logging"`
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8080
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseCommandFlags defines and parses command-line flags and returns their
// values along with a map indicating which flags were explicitly set.
func ParseCommandFlags() (addr string, dbPath string, cfgPath string, setFlags map[string]bool) {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *dbPtr, *cfgPtr, setFlags
}

// LoadEnvOverrides applies environment overrides onto the provided cfg and
// reports whether any env vars were used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false

	if v := os.Getenv("AGENTDB_ADDR"); v != "" {
		envUsed = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("AGENTDB_DB_PATH"); v != "" {
		envUsed = true
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("AGENTDB_INLINE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Storage.InlineLimit = n
		}
	}
	if v := os.Getenv("AGENTDB_STREAM_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Streams.FlushInterval = d
		}
	}
	if v := os.Getenv("AGENTDB_STREAM_RETENTION"); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Streams.Retention = d
		}
	}
	if v := os.Getenv("AGENTDB_STREAM_INACTIVITY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Streams.InactivityTimeout = d
		}
	}
	if v := os.Getenv("AGENTDB_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("AGENTDB_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.RateLimit.Burst = n
		}
	}
	if v := os.Getenv("AGENTDB_MODEL_PROVIDER"); v != "" {
		envUsed = true
		cfg.Model.Provider = v
	}
	if v := os.Getenv("AGENTDB_MODEL_BASE_URL"); v != "" {
		envUsed = true
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("AGENTDB_MODEL_NAME"); v != "" {
		envUsed = true
		cfg.Model.Name = v
	}
	if v := os.Getenv("AGENTDB_EMBED_MODEL"); v != "" {
		envUsed = true
		cfg.Model.Embed = v
	}
	if v := os.Getenv("AGENTDB_QDRANT_ADDR"); v != "" {
		envUsed = true
		cfg.Search.Vector.Enabled = true
		cfg.Search.Vector.Backend = "qdrant"
		cfg.Search.Vector.Qdrant.Addr = v
	}
	if c := os.Getenv("AGENTDB_TLS_CERT"); c != "" {
		envUsed = true
		cfg.Server.TLS.CertFile = c
	}
	if k := os.Getenv("AGENTDB_TLS_KEY"); k != "" {
		envUsed = true
		cfg.Server.TLS.KeyFile = k
	}
	return envUsed
}

// ApplyDefaults fills zero values with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Storage.InlineLimit <= 0 {
		cfg.Storage.InlineLimit = 4 << 10
	}
	if cfg.Streams.FlushInterval <= 0 {
		cfg.Streams.FlushInterval = 250 * time.Millisecond
	}
	if cfg.Streams.Retention <= 0 {
		cfg.Streams.Retention = 5 * time.Minute
	}
	if cfg.Streams.InactivityTimeout <= 0 {
		cfg.Streams.InactivityTimeout = 10 * time.Minute
	}
	if cfg.Model.MaxSteps <= 0 {
		cfg.Model.MaxSteps = 8
	}
	if cfg.Retention.Cron == "" {
		cfg.Retention.Cron = "* * * * *"
	}
}

// EffectiveConfigResult is the merged view of flags, env and file config.
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // flags|env|config
}

// LoadEffective loads config from the given path (file) and applies
// environment overrides and defaults.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
	}
	envUsed := LoadEnvOverrides(cfg)
	ApplyDefaults(cfg)
	return cfg, envUsed, nil
}

// ResolveConfigPath decides the config file path using the flag-provided
// value and the AGENTDB_CONFIG env var when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("AGENTDB_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
