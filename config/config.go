// Package config handles ipcache.toml configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "ipcache.toml"

// Environment variables that override the file. Any non-empty value turns
// the setting on.
const (
	EnvDisableCaching = "IPCACHE_DISABLE_CACHING"
	EnvValidate       = "IPCACHE_VALIDATE"
)

// Config represents an ipcache.toml configuration.
type Config struct {
	Cache   Cache   `toml:"cache"`
	Session Session `toml:"session"`
	Client  Client  `toml:"client"`
	Server  Server  `toml:"server"`
	Log     Log     `toml:"log"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-"`
}

// Cache configures the server's profile cache.
type Cache struct {
	Disable                bool `toml:"disable"`
	Validate               bool `toml:"validate"`
	PerCompilationCapacity int  `toml:"per-compilation-capacity"`
}

// Session configures client session lifetime on the server.
type Session struct {
	IdleTimeout   Duration `toml:"idle-timeout"`
	SweepInterval Duration `toml:"sweep-interval"`
}

// Client configures the interpreter-side profile service.
type Client struct {
	Listen string `toml:"listen"`
}

// Server configures the compilation server's stats endpoint.
type Server struct {
	Listen string `toml:"listen"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Duration is a time.Duration written as a string such as "30m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Cache.PerCompilationCapacity <= 0 {
		c.Cache.PerCompilationCapacity = 4096
	}
	if c.Session.IdleTimeout.Duration == 0 {
		c.Session.IdleTimeout.Duration = 30 * time.Minute
	}
	if c.Session.SweepInterval.Duration == 0 {
		c.Session.SweepInterval.Duration = 5 * time.Minute
	}
	if c.Client.Listen == "" {
		c.Client.Listen = ":7460"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":7461"
	}
}

// ApplyEnv applies environment overrides.
func (c *Config) ApplyEnv() {
	if os.Getenv(EnvDisableCaching) != "" {
		c.Cache.Disable = true
	}
	if os.Getenv(EnvValidate) != "" {
		c.Cache.Validate = true
	}
}

// Load parses an ipcache.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in %s: %v", path, undecoded)
	}

	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	c.applyDefaults()
	return &c, nil
}

// FindAndLoad walks up from startDir to find an ipcache.toml file, then
// loads it. Without a file the defaults are returned. Environment
// overrides are applied either way.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			c, err := Load(dir)
			if err != nil {
				return nil, err
			}
			c.ApplyEnv()
			return c, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			c := Default()
			c.ApplyEnv()
			return c, nil
		}
		dir = parent
	}
}
