package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "campuschat"
	// DefaultListenAddress is used when neither config nor env sets one.
	DefaultListenAddress = ":8080"

	DatabaseDriverSQLite   = "sqlite3"
	DatabaseDriverPostgres = "postgres"

	BackplaneDriverMemory = "memory"
	BackplaneDriverRedis  = "redis"

	AuthModeToken  = "token"
	AuthModeHeader = "header"

	defaultRedisPrefix       = "campuschat:"
	defaultTrustedUserHeader = "X-Authenticated-User"
	defaultPresenceMode      = "session_count"
	defaultKeepAliveInterval = 30
	defaultKeepAliveTimeout  = 15
	defaultEventRetention    = 300
	defaultLogLevel          = "info"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	envFileName    = ".env"
)

// ServerConfig contains persistent settings of one server instance.
type ServerConfig struct {
	InstanceID               string   `json:"instance_id" yaml:"instance_id"`
	InstanceName             string   `json:"instance_name" yaml:"instance_name"`
	ListenAddress            string   `json:"listen_address" yaml:"listen_address"`
	DatabaseDriver           string   `json:"database_driver" yaml:"database_driver"`
	DatabaseURL              string   `json:"database_url" yaml:"database_url"`
	BackplaneDriver          string   `json:"backplane_driver" yaml:"backplane_driver"`
	RedisURL                 string   `json:"redis_url" yaml:"redis_url"`
	RedisPrefix              string   `json:"redis_prefix" yaml:"redis_prefix"`
	AuthMode                 string   `json:"auth_mode" yaml:"auth_mode"`
	TrustedUserHeader        string   `json:"trusted_user_header" yaml:"trusted_user_header"`
	TokenPublicKeyPath       string   `json:"token_public_key_path" yaml:"token_public_key_path"`
	TokenPrivateKeyPath      string   `json:"token_private_key_path" yaml:"token_private_key_path"`
	PresenceMode             string   `json:"presence_mode" yaml:"presence_mode"`
	KeepAliveIntervalSeconds int      `json:"keep_alive_interval_seconds" yaml:"keep_alive_interval_seconds"`
	KeepAliveTimeoutSeconds  int      `json:"keep_alive_timeout_seconds" yaml:"keep_alive_timeout_seconds"`
	EventRetentionSeconds    int      `json:"event_retention_seconds" yaml:"event_retention_seconds"`
	AllowedOrigins           []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
	AdvertiseMDNS            bool     `json:"advertise_mdns" yaml:"advertise_mdns"`
	LogLevel                 string   `json:"log_level" yaml:"log_level"`

	// DataDir is where the SQLite database and keys live. Not persisted.
	DataDir string `json:"-" yaml:"-"`
}

// KeepAliveInterval returns the ping interval as a duration.
func (c *ServerConfig) KeepAliveInterval() time.Duration {
	return time.Duration(c.KeepAliveIntervalSeconds) * time.Second
}

// KeepAliveTimeout returns the pong grace period as a duration.
func (c *ServerConfig) KeepAliveTimeout() time.Duration {
	return time.Duration(c.KeepAliveTimeoutSeconds) * time.Second
}

// EventRetention returns how long undelivered outbox events are retried.
func (c *ServerConfig) EventRetention() time.Duration {
	return time.Duration(c.EventRetentionSeconds) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CAMPUSCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("CAMPUSCHAT_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads a config file from disk. Files ending in .yaml or .yml are
// parsed as YAML, everything else as JSON.
func Load(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ServerConfig
	if isYAML(path) {
		err = yaml.Unmarshal(raw, &cfg)
	} else {
		err = json.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save writes cfg to path in the format its extension selects.
func Save(path string, cfg *ServerConfig) error {
	var (
		raw []byte
		err error
	)
	if isYAML(path) {
		raw, err = yaml.Marshal(cfg)
	} else {
		raw, err = json.MarshalIndent(cfg, "", "  ")
		raw = append(raw, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// An empty path selects config.json in the data directory. Environment
// overrides are applied to the returned config but never persisted.
func LoadOrCreate(path string) (*ServerConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}
	if err := loadEnvFiles(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := path
	if cfgPath == "" {
		cfgPath = ConfigPath(dataDir)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	cfg.DataDir = dataDir
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return cfg, cfgPath, nil
}

// Validate rejects settings the server cannot start with.
func (c *ServerConfig) Validate() error {
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
	case DatabaseDriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: database_url is required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown database_driver %q", c.DatabaseDriver)
	}

	switch c.BackplaneDriver {
	case BackplaneDriverMemory:
	case BackplaneDriverRedis:
		if c.RedisURL == "" {
			return errors.New("config: redis_url is required for the redis backplane")
		}
	default:
		return fmt.Errorf("config: unknown backplane_driver %q", c.BackplaneDriver)
	}

	switch c.AuthMode {
	case AuthModeToken, AuthModeHeader:
	default:
		return fmt.Errorf("config: unknown auth_mode %q", c.AuthMode)
	}

	if c.KeepAliveIntervalSeconds <= 0 || c.KeepAliveTimeoutSeconds <= 0 {
		return errors.New("config: keep-alive settings must be positive")
	}
	return nil
}

// loadEnvFiles loads .env from the working directory and the data
// directory. Variables already set in the environment win.
func loadEnvFiles(dataDir string) error {
	for _, candidate := range []string{envFileName, filepath.Join(dataDir, envFileName)} {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if err := godotenv.Load(candidate); err != nil {
			return fmt.Errorf("load %s: %w", candidate, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *ServerConfig) {
	if dsn := strings.TrimSpace(os.Getenv("DB_URL")); dsn != "" {
		cfg.DatabaseURL = dsn
		if strings.HasPrefix(dsn, "postgres") {
			cfg.DatabaseDriver = DatabaseDriverPostgres
		} else {
			cfg.DatabaseDriver = DatabaseDriverSQLite
		}
	}
	if redisURL := strings.TrimSpace(os.Getenv("REDIS_URL")); redisURL != "" {
		cfg.RedisURL = redisURL
		cfg.BackplaneDriver = BackplaneDriverRedis
	}
	if listen := strings.TrimSpace(os.Getenv("CAMPUSCHAT_LISTEN")); listen != "" {
		cfg.ListenAddress = listen
	}
}

func defaultConfig(dataDir string) *ServerConfig {
	cfg := &ServerConfig{InstanceID: uuid.NewString()}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *ServerConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.InstanceID, uuid.NewString())
	setString(&cfg.InstanceName, defaultInstanceName())
	setString(&cfg.ListenAddress, DefaultListenAddress)
	setString(&cfg.DatabaseDriver, DatabaseDriverSQLite)
	setString(&cfg.BackplaneDriver, BackplaneDriverMemory)
	setString(&cfg.RedisPrefix, defaultRedisPrefix)
	setString(&cfg.AuthMode, AuthModeToken)
	setString(&cfg.TrustedUserHeader, defaultTrustedUserHeader)
	setString(&cfg.TokenPrivateKeyPath, filepath.Join(keysDir, "token_ed25519_private.pem"))
	setString(&cfg.TokenPublicKeyPath, filepath.Join(keysDir, "token_ed25519_public.pem"))
	setString(&cfg.PresenceMode, defaultPresenceMode)
	setString(&cfg.LogLevel, defaultLogLevel)
	setInt(&cfg.KeepAliveIntervalSeconds, defaultKeepAliveInterval)
	setInt(&cfg.KeepAliveTimeoutSeconds, defaultKeepAliveTimeout)
	setInt(&cfg.EventRetentionSeconds, defaultEventRetention)

	return updated
}

func defaultInstanceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "campuschat"
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
