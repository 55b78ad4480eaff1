package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for propsync.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Remote     RemoteConfig     `toml:"remote"`
	Cache      CacheConfig      `toml:"cache"`
	Encryption EncryptionConfig `toml:"encryption"`
	Sync       SyncConfig       `toml:"sync"`
	Server     ServerConfig     `toml:"server"`
}

// RemoteConfig selects the authoritative document store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RemoteConfig struct {
	Type string `toml:"type"` // "memory", "filesystem", "s3" or "postgres"

	// PollInterval drives the change feed of polling backends (filesystem, s3).
	PollInterval Duration `toml:"poll_interval,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// Postgres-specific fields (only used when Type == "postgres")
	PostgresDSN string `toml:"postgres_dsn,omitempty"`
}

// CacheConfig selects the local key-value store behind the cache.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type CacheConfig struct {
	Type    string `toml:"type"`               // "memory", "sqlite" or "redis"
	MaxSize int64  `toml:"max_size"`           // capacity in bytes; defaults to 5MB
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite

	// Redis-specific fields (only used when Type == "redis")
	RedisAddr     string `toml:"redis_addr,omitempty"`
	RedisPassword string `toml:"redis_password,omitempty"`
	RedisDB       int    `toml:"redis_db,omitempty"`
	RedisPrefix   string `toml:"redis_prefix,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used to seal cache values.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" (default), "age" or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// SyncConfig tunes retry, health and subscription timing.
type SyncConfig struct {
	MaxAttempts         int      `toml:"max_attempts"`
	BaseDelay           Duration `toml:"base_delay"`
	HealthInterval      Duration `toml:"health_interval"`
	RecoveryLimit       int      `toml:"recovery_limit"`
	RecoveryWindow      Duration `toml:"recovery_window"`
	RecoveryCooldown    Duration `toml:"recovery_cooldown"`
	ReconnectDelay      Duration `toml:"reconnect_delay"`
	OutboxFlushInterval Duration `toml:"outbox_flush_interval"`
	SeedOnStart         bool     `toml:"seed_on_start"`
}

// ServerConfig configures the HTTP facade started by `propsync serve`.
type ServerConfig struct {
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
	RateLimit      float64  `toml:"rate_limit"` // requests per second; 0 disables limiting
	RateBurst      int      `toml:"rate_burst"`
}

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// NewConfig creates a new Config rooted at baseDir with default settings:
// a filesystem remote under baseDir/remote and a sqlite cache.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Remote: RemoteConfig{
			Type:         "filesystem",
			FSRoot:       filepath.Join(baseDir, "remote"),
			PollInterval: Duration{2 * time.Second},
		},
		Cache: CacheConfig{
			Type:    "sqlite",
			MaxSize: 5 << 20,
			DataDir: filepath.Join(baseDir, "cache"),
		},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "propsync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "propsync.key"),
		},
		Sync: SyncConfig{
			MaxAttempts:         3,
			BaseDelay:           Duration{time.Second},
			HealthInterval:      Duration{5 * time.Second},
			RecoveryLimit:       3,
			RecoveryWindow:      Duration{time.Minute},
			RecoveryCooldown:    Duration{30 * time.Second},
			ReconnectDelay:      Duration{5 * time.Second},
			OutboxFlushInterval: Duration{30 * time.Second},
			SeedOnStart:         true,
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8080",
			AllowedOrigins: []string{"http://localhost:3000"},
			RateLimit:      20,
			RateBurst:      40,
		},
	}
}

// ApplyEnv overrides secrets from the environment so they need not live in
// the config file.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("PROPSYNC_POSTGRES_DSN"); v != "" {
		cfg.Remote.PostgresDSN = v
	}
	if v := os.Getenv("PROPSYNC_S3_ACCESS_KEY_ID"); v != "" {
		cfg.Remote.S3AccessKeyID = v
	}
	if v := os.Getenv("PROPSYNC_S3_SECRET_ACCESS_KEY"); v != "" {
		cfg.Remote.S3SecretAccessKey = v
	}
	if v := os.Getenv("PROPSYNC_REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
