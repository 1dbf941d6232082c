// Package config loads the engine configuration from defaults, an optional YAML file
// and ICEPART_ environment variables, in increasing priority.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable. Sections are separated by a double
// underscore: ICEPART_FREEZE__ALLOW_COPY_FALLBACK=true sets freeze.allow_copy_fallback.
const EnvPrefix = "ICEPART_"

type (
	Config struct {
		DataRoot         string `koanf:"data_root"`
		ShutdownSleepSec int    `koanf:"shutdown_sleep_sec"`
		HTTP             HTTP   `koanf:"http"`
		Freeze           Freeze `koanf:"freeze"`
		Merge            Merge  `koanf:"merge"`
		Watch            Watch  `koanf:"watch"`
	}

	HTTP struct {
		Port int `koanf:"port"`
	}

	Freeze struct {
		AllowCopyFallback bool `koanf:"allow_copy_fallback"`
	}

	Merge struct {
		Enabled    bool          `koanf:"enabled"`
		MinParts   int           `koanf:"min_parts"`
		Interval   time.Duration `koanf:"interval"`
		MaxElapsed time.Duration `koanf:"max_elapsed"`
	}

	Watch struct {
		// Enabled watches every detached directory and logs arriving parts
		Enabled bool `koanf:"enabled"`
		// AutoAttach attaches arriving parts with default options
		AutoAttach bool          `koanf:"auto_attach"`
		Debounce   time.Duration `koanf:"debounce"`
	}
)

func Defaults() map[string]any {
	return map[string]any{
		"data_root":                  "./icepart-data",
		"shutdown_sleep_sec":         0,
		"http.port":                  8090,
		"freeze.allow_copy_fallback": false,
		"merge.enabled":              true,
		"merge.min_parts":            4,
		"merge.interval":             "1m",
		"merge.max_elapsed":          "1m",
		"watch.enabled":              false,
		"watch.auto_attach":          false,
		"watch.debounce":             "500ms",
	}
}

// Load reads the configuration. path may be empty.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	for key, val := range Defaults() {
		if err := k.Set(key, val); err != nil {
			return Config{}, fmt.Errorf("error setting default %s: %w", key, err)
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("error loading config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("error loading env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("error in Unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps ICEPART_MERGE__MIN_PARTS to merge.min_parts.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func (c Config) Validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("data_root must be set")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.Merge.Enabled && c.Merge.MinParts < 2 {
		return fmt.Errorf("merge.min_parts must be at least 2")
	}
	return nil
}
