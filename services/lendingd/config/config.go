package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen        = ":8480"
	defaultDataDir       = "data/lendingd"
	defaultGenesis       = "genesis.toml"
	defaultBlockInterval = 5 * time.Second
	defaultKeeperScope   = "lending:keeper"
	defaultOracleScope   = "lending:oracle"
	defaultAdminScope    = "lending:admin"
)

// Config captures the runtime settings for the lending daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	DataDir       string          `yaml:"data_dir"`
	GenesisPath   string          `yaml:"genesis"`
	BlockInterval time.Duration   `yaml:"block_interval"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	EventLog      EventLogConfig  `yaml:"event_log"`
	Log           LogConfig       `yaml:"log"`
}

// AuthConfig configures HMAC-signed bearer tokens. The token subject is the
// caller's account address.
type AuthConfig struct {
	Enabled     bool          `yaml:"enabled"`
	HMACSecret  string        `yaml:"hmac_secret"`
	Issuer      string        `yaml:"issuer"`
	Audience    string        `yaml:"audience"`
	KeeperScope string        `yaml:"keeper_scope"`
	OracleScope string        `yaml:"oracle_scope"`
	AdminScope  string        `yaml:"admin_scope"`
	ClockSkew   time.Duration `yaml:"clock_skew"`
}

// RateLimitConfig bounds requests per client. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// EventLogConfig selects where emitted events are archived. An empty driver
// disables the archive.
type EventLogConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LogConfig mirrors logging.Options.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		ListenAddress: defaultListen,
		DataDir:       defaultDataDir,
		GenesisPath:   defaultGenesis,
		BlockInterval: defaultBlockInterval,
		Auth: AuthConfig{
			KeeperScope: defaultKeeperScope,
			OracleScope: defaultOracleScope,
			AdminScope:  defaultAdminScope,
			ClockSkew:   2 * time.Minute,
		},
	}
}

// Load reads the YAML configuration from disk, applies LENDINGD_*
// environment overrides (a .env file is honoured when present) and validates
// the result. An empty path yields the defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}

	_ = godotenv.Load()
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setStr(&cfg.ListenAddress, "LENDINGD_LISTEN")
	setStr(&cfg.DataDir, "LENDINGD_DATA_DIR")
	setStr(&cfg.GenesisPath, "LENDINGD_GENESIS")
	setStr(&cfg.Auth.HMACSecret, "LENDINGD_AUTH_HMAC_SECRET")
	setStr(&cfg.EventLog.Driver, "LENDINGD_EVENT_LOG_DRIVER")
	setStr(&cfg.EventLog.DSN, "LENDINGD_EVENT_LOG_DSN")
	setStr(&cfg.Log.Level, "LENDINGD_LOG_LEVEL")
	if v := strings.TrimSpace(os.Getenv("LENDINGD_BLOCK_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LENDINGD_BLOCK_INTERVAL: %w", err)
		}
		cfg.BlockInterval = d
	}
	if v := strings.TrimSpace(os.Getenv("LENDINGD_AUTH_ENABLED")); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LENDINGD_AUTH_ENABLED: %w", err)
		}
		cfg.Auth.Enabled = enabled
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.GenesisPath = strings.TrimSpace(cfg.GenesisPath)
	if cfg.GenesisPath == "" {
		cfg.GenesisPath = defaultGenesis
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = defaultBlockInterval
	}
	cfg.Auth.normalize()
	cfg.EventLog.Driver = strings.ToLower(strings.TrimSpace(cfg.EventLog.Driver))
	cfg.EventLog.DSN = strings.TrimSpace(cfg.EventLog.DSN)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	switch cfg.EventLog.Driver {
	case "":
	case "sqlite", "postgres":
		if cfg.EventLog.DSN == "" {
			return fmt.Errorf("event_log: dsn required for driver %s", cfg.EventLog.Driver)
		}
	default:
		return fmt.Errorf("event_log: unsupported driver %q", cfg.EventLog.Driver)
	}
	return nil
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.HMACSecret = strings.TrimSpace(cfg.HMACSecret)
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	cfg.KeeperScope = strings.TrimSpace(cfg.KeeperScope)
	if cfg.KeeperScope == "" {
		cfg.KeeperScope = defaultKeeperScope
	}
	cfg.OracleScope = strings.TrimSpace(cfg.OracleScope)
	if cfg.OracleScope == "" {
		cfg.OracleScope = defaultOracleScope
	}
	cfg.AdminScope = strings.TrimSpace(cfg.AdminScope)
	if cfg.AdminScope == "" {
		cfg.AdminScope = defaultAdminScope
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
}

func (cfg AuthConfig) validate() error {
	if !cfg.Enabled {
		return nil
	}
	if len(cfg.HMACSecret) < 32 {
		return fmt.Errorf("hmac_secret must be at least 32 bytes when auth is enabled")
	}
	return nil
}
