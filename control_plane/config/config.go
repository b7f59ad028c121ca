// Package config loads the control plane configuration from TOML with
// environment overrides.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Server        ServerConfig        `toml:"server"`
	API           APIConfig           `toml:"api"`
	Agents        AgentsConfig        `toml:"agents"`
	Store         StoreConfig         `toml:"store"`
	Notifications NotificationsConfig `toml:"notifications"`
	Housekeeping  HousekeepingConfig  `toml:"housekeeping"`
	Logging       LoggingConfig       `toml:"logging"`
}

type ServerConfig struct {
	Address string `toml:"address"`
}

type APIConfig struct {
	Token          string `toml:"token"`           // bearer token; empty disables auth
	AllowedOrigin  string `toml:"allowed_origin"`  // CORS origin; empty allows any
	IdempotencyTTL string `toml:"idempotency_ttl"` // e.g. "1h"
}

type AgentsConfig struct {
	SupportedAPIVersions []string `toml:"supported_api_versions"`
	CancelTimeout        string   `toml:"cancel_timeout"`  // "0" disables the cancel monitor
	CancelSweep          string   `toml:"cancel_sweep"`    // how often the cancel monitor looks
	ConnectionRate       float64  `toml:"connection_rate"` // connection attempts per second per address; 0 is unlimited
	ConnectionBurst      int      `toml:"connection_burst"`
}

type StoreConfig struct {
	Backend       string `toml:"backend"` // memory, redis or postgres
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	PostgresDSN   string `toml:"postgres_dsn"`
}

type NotificationsConfig struct {
	Backend string `toml:"backend"` // log or redis
	Channel string `toml:"channel"` // redis channel prefix
}

type HousekeepingConfig struct {
	Schedule       string   `toml:"schedule"` // cron; empty disables periodic housekeeping
	BackupManagers []string `toml:"backup_managers"`
	MaxStoredJobs  int      `toml:"max_stored_jobs"`
	StaleAgentAge  string   `toml:"stale_agent_age"`
}

type LoggingConfig struct {
	Config string `toml:"config"` // loggo spec, e.g. "<root>=INFO;backforge.agent=DEBUG"
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Address: ":8080"},
		API:    APIConfig{IdempotencyTTL: "1h"},
		Agents: AgentsConfig{
			SupportedAPIVersions: []string{"v2", "v3", "v4"},
			CancelTimeout:        "2m",
			CancelSweep:          "10s",
			ConnectionRate:       1,
			ConnectionBurst:      5,
		},
		Store: StoreConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
		},
		Notifications: NotificationsConfig{
			Backend: "log",
			Channel: "backforge",
		},
		Housekeeping: HousekeepingConfig{
			Schedule:      "@daily",
			MaxStoredJobs: 100,
			StaleAgentAge: "168h",
		},
		Logging: LoggingConfig{Config: "<root>=INFO"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, errors.Annotatef(err, "reading config file %s", path)
		default:
			if err := Parse(data, cfg); err != nil {
				return nil, errors.Annotatef(err, "config file %s", path)
			}
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// Parse merges TOML data into cfg.
func Parse(data []byte, cfg *Config) error {
	return errors.Trace(toml.Unmarshal(data, cfg))
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BACKFORGE_ADDR"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("BACKFORGE_API_TOKEN"); v != "" {
		cfg.API.Token = v
	}
	if v := os.Getenv("BACKFORGE_STORE"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
	}
}

// Validate checks values that cannot be caught by the TOML decoder.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "postgres":
	default:
		return errors.NotValidf("store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.PostgresDSN == "" {
		return errors.NotValidf("postgres store without dsn")
	}
	switch c.Notifications.Backend {
	case "log":
	case "redis":
		if c.Store.RedisAddr == "" {
			return errors.NotValidf("redis notifications without redis address")
		}
	default:
		return errors.NotValidf("notifications backend %q", c.Notifications.Backend)
	}
	if len(c.Agents.SupportedAPIVersions) == 0 {
		return errors.NotValidf("empty supported api versions")
	}
	if c.Agents.ConnectionRate < 0 || c.Agents.ConnectionBurst < 0 {
		return errors.NotValidf("negative connection rate limit")
	}
	if c.Housekeeping.MaxStoredJobs < 0 {
		return errors.NotValidf("negative max stored jobs")
	}
	for name, value := range map[string]string{
		"api.idempotency_ttl":          c.API.IdempotencyTTL,
		"agents.cancel_timeout":        c.Agents.CancelTimeout,
		"agents.cancel_sweep":          c.Agents.CancelSweep,
		"housekeeping.stale_agent_age": c.Housekeeping.StaleAgentAge,
	} {
		if _, err := duration(name, value); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func duration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.NewNotValid(err, name)
	}
	if d < 0 {
		return 0, errors.NotValidf("negative %s", name)
	}
	return d, nil
}

func mustDuration(name, value string) time.Duration {
	d, _ := duration(name, value)
	return d
}

func (c *Config) IdempotencyTTL() time.Duration {
	return mustDuration("api.idempotency_ttl", c.API.IdempotencyTTL)
}

func (c *Config) CancelTimeout() time.Duration {
	return mustDuration("agents.cancel_timeout", c.Agents.CancelTimeout)
}

func (c *Config) CancelSweep() time.Duration {
	return mustDuration("agents.cancel_sweep", c.Agents.CancelSweep)
}

func (c *Config) StaleAgentAge() time.Duration {
	return mustDuration("housekeeping.stale_agent_age", c.Housekeeping.StaleAgentAge)
}
