package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const configEnv = "MACHPIPE_CONFIG"

type config struct {
	Flags       uint64        `yaml:"flags"`
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
	LogLevel    string        `yaml:"log_level"`
	Format      string        `yaml:"format"`
	Capture     string        `yaml:"capture"`
}

func defaultConfig() config {
	return config{
		Timeout:     10 * time.Second,
		Concurrency: 4,
		LogLevel:    "warn",
		Format:      "text",
	}
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "machpipe", "config.yaml")
}

// loadConfig reads path over the defaults. A missing file is only an error
// when the path was asked for explicitly.
func loadConfig(path string, explicit bool) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

// applyFlags overrides cfg with every flag set on the command line.
func (cfg *config) applyFlags(flags *pflag.FlagSet) error {
	var err error
	if changed(flags, "flags") {
		if cfg.Flags, err = flags.GetUint64("flags"); err != nil {
			return err
		}
	}
	if changed(flags, "timeout") {
		if cfg.Timeout, err = flags.GetDuration("timeout"); err != nil {
			return err
		}
	}
	if changed(flags, "concurrency") {
		if cfg.Concurrency, err = flags.GetInt("concurrency"); err != nil {
			return err
		}
	}
	if changed(flags, "log-level") {
		if cfg.LogLevel, err = flags.GetString("log-level"); err != nil {
			return err
		}
	}
	if changed(flags, "format") {
		if cfg.Format, err = flags.GetString("format"); err != nil {
			return err
		}
	}
	if changed(flags, "capture") {
		if cfg.Capture, err = flags.GetString("capture"); err != nil {
			return err
		}
	}
	return cfg.validate()
}

func changed(flags *pflag.FlagSet, name string) bool {
	flag := flags.Lookup(name)
	return flag != nil && flag.Changed
}

func (cfg *config) validate() error {
	switch cfg.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown output format %q (want text or json)", cfg.Format)
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", cfg.Timeout)
	}
	if cfg.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", cfg.Concurrency)
	}
	return nil
}
