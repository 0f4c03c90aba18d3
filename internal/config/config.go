package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"filestore/internal/state"
)

const (
	defaultS3Prefix = "filestore/"
	defaultLogLevel = "warn"
)

type Config struct {
	Storage StorageConfig `toml:"storage"`
	S3      S3Config      `toml:"s3"`
	Log     LogConfig     `toml:"log"`
}

type StorageConfig struct {
	FilesPath string `toml:"files_path"`
}

type S3Config struct {
	Endpoint string `toml:"endpoint"`
	Region   string `toml:"region"`
	Bucket   string `toml:"bucket"`
	Prefix   string `toml:"prefix"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			FilesPath: state.FilesDir(),
		},
		S3: S3Config{
			Endpoint: "",
			Region:   "",
			Bucket:   "",
			Prefix:   defaultS3Prefix,
		},
		Log: LogConfig{
			Level: defaultLogLevel,
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// RootPath is the directory the local store resolves both buckets under.
func (c *Config) RootPath() string {
	return c.Storage.FilesPath
}

func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Storage.FilesPath) == "" {
		c.Storage.FilesPath = state.FilesDir()
	}
	if c.S3.Prefix == "" {
		c.S3.Prefix = defaultS3Prefix
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = defaultLogLevel
	}
}

func (c *Config) Normalize() error {
	filesPath := strings.TrimSpace(c.Storage.FilesPath)
	if filesPath == "~" || strings.HasPrefix(filesPath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("expand files_path: %w", err)
		}
		filesPath = filepath.Join(home, strings.TrimPrefix(filesPath, "~"))
	}
	c.Storage.FilesPath = filepath.Clean(filesPath)

	c.S3.Endpoint = strings.TrimSpace(c.S3.Endpoint)
	c.S3.Region = strings.TrimSpace(c.S3.Region)
	c.S3.Bucket = strings.TrimSpace(c.S3.Bucket)
	c.S3.Prefix = strings.TrimSpace(c.S3.Prefix)
	if c.S3.Prefix != "" && !strings.HasSuffix(c.S3.Prefix, "/") {
		c.S3.Prefix += "/"
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	return nil
}

func (c *Config) Validate() error {
	if !filepath.IsAbs(c.Storage.FilesPath) {
		return errors.New("storage.files_path must be an absolute path")
	}
	if c.S3.Bucket != "" && c.S3.Region == "" {
		return errors.New("s3.region is required when s3.bucket is set")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}
