package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/creasty/defaults"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/leeforge/pluginkit/fsutil"
)

// DefaultOptions returns options loading <CONFIG_PATH|config>/config.yaml
// with PLUGINKIT_* environment overrides.
func DefaultOptions() Options {
	basePath := os.Getenv("CONFIG_PATH")
	if basePath == "" {
		basePath = "config"
	}

	return Options{
		BasePath:  basePath,
		FileName:  "config",
		FileType:  "yaml",
		EnvPrefix: "PLUGINKIT",
		WatchAble: false,
		OnChange:  nil,
	}
}

// New loads configuration according to opts. A missing config file is not an
// error: environment variables alone are enough to run.
func New(optsArr ...Options) (*Config, error) {
	var opts Options
	if len(optsArr) == 0 {
		opts = DefaultOptions()
	} else {
		opts = optsArr[0]
	}

	instance, err := createViper(opts)
	if err != nil {
		return nil, err
	}

	return &Config{
		instance: instance,
		opts:     opts,
	}, nil
}

// Bind unmarshals the current configuration into instance, applying struct
// defaults first. When the options enable watching, instance is re-bound on
// every config file change.
func (c *Config) Bind(instance any) error {
	if c == nil || c.instance == nil {
		return fmt.Errorf("config instance is nil")
	}
	if instance == nil {
		return fmt.Errorf("target instance is nil")
	}

	if err := defaults.Set(instance); err != nil {
		return fmt.Errorf("failed to set defaults: %w", err)
	}

	c.watchMutex.Lock()
	defer c.watchMutex.Unlock()

	if err := c.instance.Unmarshal(instance); err != nil {
		return fmt.Errorf("failed to unmarshal config (path: %s, file: %s.%s): %w",
			c.opts.BasePath, c.opts.FileName, c.opts.FileType, err)
	}

	if v, ok := instance.(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
	}

	if c.opts.WatchAble {
		c.watchOnce.Do(func() {
			c.instance.WatchConfig()
			c.instance.OnConfigChange(func(e fsnotify.Event) {
				c.watchMutex.Lock()
				defer c.watchMutex.Unlock()

				if err := c.instance.Unmarshal(instance); err != nil {
					fmt.Fprintf(os.Stderr, "config watch error: %v\n", err)
					return
				}
				if c.opts.OnChange != nil {
					c.opts.OnChange(e)
				}
			})
		})
	}

	return nil
}

// Get returns a raw configuration value by key.
func (c *Config) Get(key string) any {
	c.watchMutex.RLock()
	defer c.watchMutex.RUnlock()
	return c.instance.Get(key)
}

// Set overrides a configuration value by key.
func (c *Config) Set(key string, value any) {
	c.watchMutex.Lock()
	defer c.watchMutex.Unlock()
	c.instance.Set(key, value)
}

// Settings binds and normalizes the filesystem settings.
func (c *Config) Settings() (Settings, error) {
	var s Settings
	if err := c.Bind(&s); err != nil {
		return Settings{}, err
	}
	s.Normalize()
	return s, nil
}

// Policy binds the operator policy. Called per operation so flag changes
// take effect without a restart.
func (c *Config) Policy() (Policy, error) {
	var p Policy
	if err := c.Bind(&p); err != nil {
		return Policy{}, err
	}
	p.Normalize()
	return p, nil
}

// Normalize makes DataDir absolute and fills derived paths.
func (s *Settings) Normalize() {
	s.DataDir = fsutil.ExpandHome(s.DataDir)
	if abs, err := filepath.Abs(s.DataDir); err == nil {
		s.DataDir = abs
	}
	if s.InstallDir == "" {
		s.InstallDir = filepath.Join(s.DataDir, "plugins")
	}
	if s.MarketplaceDir == "" {
		s.MarketplaceDir = filepath.Join(s.DataDir, "marketplaces")
	}
	if s.TempDir == "" {
		s.TempDir = os.TempDir()
	}
}

// Normalize splits comma-separated allow-list entries and trims blanks.
// Viper hands the value through as a single string when it comes from an
// environment variable.
func (p *Policy) Normalize() {
	var cleaned []string
	for _, entry := range p.NetworkAllowList {
		for _, part := range strings.Split(entry, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				cleaned = append(cleaned, part)
			}
		}
	}
	p.NetworkAllowList = cleaned
}

// bindableKeys are the configuration keys recognized for Settings and
// Policy. viper's AutomaticEnv only resolves keys it already knows about,
// so each one is bound explicitly to make env-only operation work without
// a config file.
var bindableKeys = []string{
	"data-dir",
	"registry-path",
	"install-dir",
	"marketplace-dir",
	"temp-dir",
	"logging.directory",
	"logging.filename",
	"logging.level",
	"logging.format",
	"logging.console",
	"logging.max-size",
	"logging.max-age",
	"logging.max-backups",
	"logging.compress",
	"logging.show-caller",
	"allow-network",
	"allow-filesystem",
	"allow-dependency-install",
	"allow-scripts",
	"network-allow-list",
	"registry-override",
}

func createViper(opts Options) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType(opts.FileType)

	configPath := filepath.Join(opts.BasePath, fmt.Sprintf("%s.%s", opts.FileName, opts.FileType))
	if isDir, exists, _ := fsutil.Exists(configPath); exists && !isDir {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configPath, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	if opts.EnvPrefix != "" {
		v.SetEnvPrefix(opts.EnvPrefix)
	}
	v.AutomaticEnv()
	for _, key := range bindableKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("error binding env for key %s: %w", key, err)
		}
	}

	return v, nil
}
