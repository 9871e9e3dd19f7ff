package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the daemon configuration file (config.toml under
// the data directory).
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	DataDir    string `toml:"data_dir"`

	Engine EngineConfig `toml:"engine"`
	Sync   SyncConfig   `toml:"sync"`
}

// EngineConfig controls the automation engine adapter.
type EngineConfig struct {
	DeviceName    string   `toml:"device_name"`
	CallTimeout   duration `toml:"call_timeout"`
	AvatarTimeout duration `toml:"avatar_timeout"`
}

// SyncConfig controls the streaming sync pipeline.
type SyncConfig struct {
	BatchSize        int      `toml:"batch_size"`
	MaxChats         int      `toml:"max_chats"`
	QuickSyncChats   int      `toml:"quick_sync_chats"`
	AvatarTTL        duration `toml:"avatar_ttl"`
	AutoSyncInterval duration `toml:"auto_sync_interval"`
}

type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration converts the TOML wrapper back to a time.Duration.
func (d duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration rooted at dataDir.
func Default(dataDir string) *Config {
	return &Config{
		ListenAddr: "127.0.0.1:3088",
		DataDir:    dataDir,
		Engine: EngineConfig{
			DeviceName:    "WADash",
			CallTimeout:   duration(30 * time.Second),
			AvatarTimeout: duration(1500 * time.Millisecond),
		},
		Sync: SyncConfig{
			BatchSize:      25,
			MaxChats:       0, // unlimited
			QuickSyncChats: 50,
			AvatarTTL:      duration(24 * time.Hour),
		},
	}
}

// Load reads config from the given path, filling zero fields with
// defaults. A missing file yields the defaults without error.
func Load(path, dataDir string) (*Config, error) {
	cfg := Default(dataDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = 25
	}
	if cfg.Engine.CallTimeout <= 0 {
		cfg.Engine.CallTimeout = duration(30 * time.Second)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
