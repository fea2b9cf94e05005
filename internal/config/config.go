// Package config loads the coordinator daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/flotilla/internal/scheduler"
)

// EnvPrefix prefixes environment overrides, e.g. FLOTILLA_COORDINATOR_LISTEN.
const EnvPrefix = "FLOTILLA"

// Config is the complete daemon configuration.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator" mapstructure:"coordinator"`
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	ConfigRepo  ConfigRepoConfig  `yaml:"config_repo" mapstructure:"config_repo"`
	Provisioner ProvisionerConfig `yaml:"provisioner" mapstructure:"provisioner"`
	Inventory   InventoryConfig   `yaml:"inventory" mapstructure:"inventory"`
	Scheduler   scheduler.Config  `yaml:"scheduler" mapstructure:"scheduler"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// CoordinatorConfig controls the fleet registry and its HTTP listener.
type CoordinatorConfig struct {
	Listen           string        `yaml:"listen" mapstructure:"listen"`
	Environment      string        `yaml:"environment" mapstructure:"environment"`
	StatusExpiration time.Duration `yaml:"status_expiration" mapstructure:"status_expiration"`
	RefreshInterval  time.Duration `yaml:"refresh_interval" mapstructure:"refresh_interval"`
	RemoteTimeout    time.Duration `yaml:"remote_timeout" mapstructure:"remote_timeout"`
	MinPrefixSize    int           `yaml:"min_prefix_size" mapstructure:"min_prefix_size"`
}

// StoreConfig locates the expected-state database.
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ConfigRepoConfig locates the configuration bundle tree.
type ConfigRepoConfig struct {
	Path    string `yaml:"path" mapstructure:"path"`
	BlobURI string `yaml:"blob_uri" mapstructure:"blob_uri"`
	Watch   bool   `yaml:"watch" mapstructure:"watch"`
}

// ProvisionerConfig seeds the local provisioner.
type ProvisionerConfig struct {
	BaseURI      string   `yaml:"base_uri" mapstructure:"base_uri"`
	InstanceType string   `yaml:"instance_type" mapstructure:"instance_type"`
	Agents       []string `yaml:"agents" mapstructure:"agents"`
}

// InventoryConfig locates the static service inventory.
type InventoryConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			Listen:           "127.0.0.1:7770",
			Environment:      "local",
			StatusExpiration: 30 * time.Second,
			RefreshInterval:  5 * time.Second,
			RemoteTimeout:    10 * time.Second,
			MinPrefixSize:    4,
		},
		Store: StoreConfig{
			Path: filepath.Join(DataDir(), "flotilla.db"),
		},
		ConfigRepo: ConfigRepoConfig{
			Path:    filepath.Join(DataDir(), "config"),
			BlobURI: "http://127.0.0.1:7770/v1/config/",
			Watch:   true,
		},
		Provisioner: ProvisionerConfig{
			BaseURI:      "http://127.0.0.1:7771",
			InstanceType: "local",
		},
		Scheduler: *scheduler.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DataDir returns the default directory for coordinator state.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flotilla"
	}
	return filepath.Join(home, ".flotilla")
}

// setDefaults registers default values with v.
func setDefaults(v *viper.Viper) {
	defaults := Default()

	// Coordinator defaults
	v.SetDefault("coordinator.listen", defaults.Coordinator.Listen)
	v.SetDefault("coordinator.environment", defaults.Coordinator.Environment)
	v.SetDefault("coordinator.status_expiration", defaults.Coordinator.StatusExpiration)
	v.SetDefault("coordinator.refresh_interval", defaults.Coordinator.RefreshInterval)
	v.SetDefault("coordinator.remote_timeout", defaults.Coordinator.RemoteTimeout)
	v.SetDefault("coordinator.min_prefix_size", defaults.Coordinator.MinPrefixSize)

	v.SetDefault("store.path", defaults.Store.Path)

	v.SetDefault("config_repo.path", defaults.ConfigRepo.Path)
	v.SetDefault("config_repo.blob_uri", defaults.ConfigRepo.BlobURI)
	v.SetDefault("config_repo.watch", defaults.ConfigRepo.Watch)

	v.SetDefault("provisioner.base_uri", defaults.Provisioner.BaseURI)
	v.SetDefault("provisioner.instance_type", defaults.Provisioner.InstanceType)
	v.SetDefault("provisioner.agents", defaults.Provisioner.Agents)

	v.SetDefault("inventory.path", defaults.Inventory.Path)

	v.SetDefault("scheduler.global_max", defaults.Scheduler.GlobalMax)
	v.SetDefault("scheduler.refresh_workers", defaults.Scheduler.RefreshWorkers)

	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
}

// Load reads the configuration file at path, if any, applies FLOTILLA_*
// environment overrides and validates the result. An empty path loads
// defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Coordinator.Listen == "" {
		errs = append(errs, errors.New("coordinator.listen is required"))
	}
	if c.Coordinator.Environment == "" {
		errs = append(errs, errors.New("coordinator.environment is required"))
	}
	if c.Coordinator.StatusExpiration <= 0 {
		errs = append(errs, errors.New("coordinator.status_expiration must be positive"))
	}
	if c.Coordinator.RefreshInterval <= 0 {
		errs = append(errs, errors.New("coordinator.refresh_interval must be positive"))
	}
	if c.Coordinator.RemoteTimeout <= 0 {
		errs = append(errs, errors.New("coordinator.remote_timeout must be positive"))
	}
	if c.Coordinator.MinPrefixSize < 1 {
		errs = append(errs, errors.New("coordinator.min_prefix_size must be at least 1"))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Scheduler.GlobalMax < 1 {
		errs = append(errs, errors.New("scheduler.global_max must be at least 1"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Write serializes cfg as YAML to path.
func Write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
