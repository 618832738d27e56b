// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Remote struct {
		BaseURL            string `json:"base_url"`
		User               string `json:"user"`
		Password           string `json:"password"`
		RejectUnauthorized bool   `json:"reject_unauthorized"`
		TimeoutSeconds     int    `json:"timeout_seconds"`
		Retries            int    `json:"retries"`
		Binary             bool   `json:"binary"`
	} `json:"remote"`

	S3 struct {
		Endpoint  string `json:"endpoint"`
		Region    string `json:"region"`
		AccessKey string `json:"access_key"`
		SecretKey string `json:"secret_key"`
	} `json:"s3"`

	StagingDir      string `json:"staging_dir"`
	Editor          string `json:"editor"`       // empty: wait for the user to confirm in the terminal
	ContextLines    int    `json:"context_lines"`
	LogLevel        string `json:"log_level"`    // debug, info, warn, error
	MetricsTextfile string `json:"metrics_textfile"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		StagingDir:   filepath.Join(os.TempDir(), "zedit"),
		ContextLines: 3,
		LogLevel:     "warn",
	}
	cfg.Remote.RejectUnauthorized = true
	cfg.Remote.TimeoutSeconds = 30
	cfg.Remote.Retries = 2
	cfg.S3.Region = "us-east-1"
	return cfg
}

// DefaultPath is $ZEDIT_CONFIG, falling back to ~/.zedit/config.json.
func DefaultPath() string {
	if p := os.Getenv("ZEDIT_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".zedit", "config.json")
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		file, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			defer file.Close()
			if err := json.NewDecoder(file).Decode(config); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("ZEDIT_URL"); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv("ZEDIT_USER"); v != "" {
		c.Remote.User = v
	}
	if v := os.Getenv("ZEDIT_PASSWORD"); v != "" {
		c.Remote.Password = v
	}
	if v := os.Getenv("ZEDIT_STAGING_DIR"); v != "" {
		c.StagingDir = v
	}
	if v := os.Getenv("ZEDIT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ZEDIT_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ZEDIT_RETRIES: %q is not a number", v)
		}
		c.Remote.Retries = n
	}
	if c.Editor == "" {
		c.Editor = os.Getenv("EDITOR")
	}
	if v := os.Getenv("AWS_ENDPOINT_URL_S3"); v != "" && c.S3.Endpoint == "" {
		c.S3.Endpoint = v
	}
	return nil
}

func (c *Config) Validate() error {
	if c.StagingDir == "" {
		return fmt.Errorf("staging_dir is required")
	}
	if c.ContextLines < 0 {
		return fmt.Errorf("context_lines must not be negative")
	}
	if c.Remote.Retries < 0 {
		return fmt.Errorf("remote.retries must not be negative")
	}
	if c.Remote.TimeoutSeconds <= 0 {
		return fmt.Errorf("remote.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}
