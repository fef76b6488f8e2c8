package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/leeforge/pluginkit/logging"
)

// Settings holds the subsystem's filesystem layout. All paths are resolved
// relative to DataDir unless absolute.
type Settings struct {
	// DataDir is the application data directory. Every path the subsystem
	// writes must resolve underneath it.
	DataDir string `mapstructure:"data-dir" default:"data"`

	// RegistryPath overrides the default registry file location
	// (<data-dir>/plugins/plugins.yaml) when non-empty.
	RegistryPath string `mapstructure:"registry-path"`

	// InstallDir is the root under which per-plugin version directories are
	// created. Defaults to <data-dir>/plugins when empty.
	InstallDir string `mapstructure:"install-dir"`

	// MarketplaceDir holds previously-fetched marketplace index files,
	// one per marketplace id. Defaults to <data-dir>/marketplaces when empty.
	MarketplaceDir string `mapstructure:"marketplace-dir"`

	// TempDir holds in-flight archive downloads. Defaults to the OS temp
	// directory when empty.
	TempDir string `mapstructure:"temp-dir"`

	// Logging configures the subsystem logger.
	Logging logging.Config `mapstructure:"logging"`
}

// Policy enumerates every operator flag gating privileged installation-time
// actions. It is read at call time, never cached across operations.
type Policy struct {
	// AllowNetwork permits plugins that declare network permissions, and is
	// additionally required for dependency installation.
	AllowNetwork bool `mapstructure:"allow-network"`

	// AllowFilesystem permits plugins that declare filesystem permissions.
	AllowFilesystem bool `mapstructure:"allow-filesystem"`

	// AllowDependencyInstall permits the dependency-install step.
	AllowDependencyInstall bool `mapstructure:"allow-dependency-install"`

	// AllowScripts permits install-time scripts during dependency
	// installation. Not needed when the version requests script-skipping.
	AllowScripts bool `mapstructure:"allow-scripts"`

	// NetworkAllowList restricts declared network rules when non-empty.
	// Configured as a comma-separated string; entries may end in `*` for
	// prefix matching.
	NetworkAllowList []string `mapstructure:"network-allow-list"`

	// RegistryOverride is an optional default dependency-registry URL passed
	// to the dependency-install step.
	RegistryOverride string `mapstructure:"registry-override"`
}

// Validator is implemented by config structs that self-validate after Bind.
type Validator interface {
	Validate() error
}

// Config wraps a viper instance with typed binding and optional watching.
type Config struct {
	instance   *viper.Viper
	opts       Options
	watchOnce  sync.Once
	watchMutex sync.RWMutex
}

// Options controls where configuration is loaded from.
type Options struct {
	BasePath  string
	FileName  string
	FileType  string
	EnvPrefix string
	WatchAble bool
	OnChange  func(e fsnotify.Event)
}
