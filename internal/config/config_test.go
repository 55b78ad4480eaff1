package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := NewConfig("/home/user/.local/share/propsync")
	original.Remote = RemoteConfig{
		Type:         "s3",
		S3Bucket:     "listings",
		S3Prefix:     "prod",
		S3Region:     "eu-west-1",
		PollInterval: Duration{10 * time.Second},
	}
	original.Cache = CacheConfig{Type: "redis", MaxSize: 2048, RedisAddr: "localhost:6379", RedisPrefix: "ps:"}
	original.Server.AllowedOrigins = []string{"https://admin.example.com"}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.BaseDir != original.BaseDir {
		t.Errorf("BaseDir = %q, want %q", got.BaseDir, original.BaseDir)
	}
	if got.LogDir != original.LogDir {
		t.Errorf("LogDir = %q, want %q", got.LogDir, original.LogDir)
	}
	if got.Remote.Type != "s3" {
		t.Errorf("Remote.Type = %q, want %q", got.Remote.Type, "s3")
	}
	if got.Remote.S3Bucket != "listings" {
		t.Errorf("Remote.S3Bucket = %q, want %q", got.Remote.S3Bucket, "listings")
	}
	if got.Remote.PollInterval.Duration != 10*time.Second {
		t.Errorf("Remote.PollInterval = %v, want %v", got.Remote.PollInterval.Duration, 10*time.Second)
	}
	if got.Cache.Type != "redis" {
		t.Errorf("Cache.Type = %q, want %q", got.Cache.Type, "redis")
	}
	if got.Cache.MaxSize != 2048 {
		t.Errorf("Cache.MaxSize = %d, want %d", got.Cache.MaxSize, 2048)
	}
	if got.Sync.ReconnectDelay.Duration != 5*time.Second {
		t.Errorf("Sync.ReconnectDelay = %v, want %v", got.Sync.ReconnectDelay.Duration, 5*time.Second)
	}
	if len(got.Server.AllowedOrigins) != 1 {
		t.Fatalf("len(Server.AllowedOrigins) = %d, want 1", len(got.Server.AllowedOrigins))
	}
}

func TestManager_Read_Durations(t *testing.T) {
	m := &Manager{}

	t.Run("parses duration strings", func(t *testing.T) {
		cfg, err := m.Read(strings.NewReader("[sync]\nbase_delay = \"250ms\"\nhealth_interval = \"1m\"\n"))
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if cfg.Sync.BaseDelay.Duration != 250*time.Millisecond {
			t.Errorf("BaseDelay = %v, want 250ms", cfg.Sync.BaseDelay.Duration)
		}
		if cfg.Sync.HealthInterval.Duration != time.Minute {
			t.Errorf("HealthInterval = %v, want 1m", cfg.Sync.HealthInterval.Duration)
		}
	})

	t.Run("rejects malformed durations", func(t *testing.T) {
		if _, err := m.Read(strings.NewReader("[sync]\nbase_delay = \"soon\"\n")); err == nil {
			t.Fatal("Read() expected error for malformed duration")
		}
	})
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("/data/propsync")

	if cfg.BaseDir != "/data/propsync" {
		t.Errorf("BaseDir = %q, want %q", cfg.BaseDir, "/data/propsync")
	}
	if cfg.LogDir != "/data/propsync/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/propsync/log")
	}
	if cfg.Remote.FSRoot != "/data/propsync/remote" {
		t.Errorf("Remote.FSRoot = %q, want %q", cfg.Remote.FSRoot, "/data/propsync/remote")
	}
	if cfg.Cache.DataDir != "/data/propsync/cache" {
		t.Errorf("Cache.DataDir = %q, want %q", cfg.Cache.DataDir, "/data/propsync/cache")
	}
	if cfg.Encryption.PrivateKeyPath != "/data/propsync/keys/propsync.key" {
		t.Errorf("Encryption.PrivateKeyPath = %q, want %q", cfg.Encryption.PrivateKeyPath, "/data/propsync/keys/propsync.key")
	}
	if cfg.Sync.MaxAttempts != 3 {
		t.Errorf("Sync.MaxAttempts = %d, want 3", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.HealthInterval.Duration != 5*time.Second {
		t.Errorf("Sync.HealthInterval = %v, want 5s", cfg.Sync.HealthInterval.Duration)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PROPSYNC_POSTGRES_DSN", "postgres://u:p@db/propsync")
	t.Setenv("PROPSYNC_REDIS_PASSWORD", "hunter2")

	cfg := NewConfig(t.TempDir())
	ApplyEnv(cfg)

	if cfg.Remote.PostgresDSN != "postgres://u:p@db/propsync" {
		t.Errorf("Remote.PostgresDSN = %q", cfg.Remote.PostgresDSN)
	}
	if cfg.Cache.RedisPassword != "hunter2" {
		t.Errorf("Cache.RedisPassword = %q", cfg.Cache.RedisPassword)
	}
	if cfg.Remote.S3AccessKeyID != "" {
		t.Errorf("Remote.S3AccessKeyID = %q, want empty", cfg.Remote.S3AccessKeyID)
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "propsync.toml")
		cfg := NewConfig(dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "propsync.toml")
		cfg := NewConfig(dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		err := Init(path, cfg)
		if err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "propsync.toml")
		cfg := NewConfig(dir)
		cfg.Cache = CacheConfig{Type: "memory", MaxSize: 1024}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.Cache.Type != "memory" {
			t.Errorf("Cache.Type = %q, want %q", got.Cache.Type, "memory")
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		_, err := ReadFromFile("/nonexistent/path/propsync.toml")
		if err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
