// Package config loads runtime configuration and the device identity.
//
// Configuration layers, lowest to highest precedence: built-in defaults
// (taken from each component's DefaultConfig), the YAML config file in
// the state directory, and TRACKSYNC_* environment variables. The device
// identity lives apart from tunables in a TOML file because it is minted
// once and never edited: every delivery token derives from the device id,
// so replacing it would resubmit the entire queue as new data.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mkallio/tracksync/internal/bridge"
	"github.com/mkallio/tracksync/internal/daemon"
	"github.com/mkallio/tracksync/internal/drain"
	"github.com/mkallio/tracksync/internal/spool"
)

const (
	// DefaultDirName is the per-user state directory under $HOME.
	DefaultDirName = ".tracksync"
	// ConfigFile is the runtime configuration filename inside the state
	// directory.
	ConfigFile = "config.yaml"
	// DeviceFile is the device identity filename.
	DeviceFile = "device.toml"
	// DatabaseFile is the store filename.
	DatabaseFile = "tracksync.db"
	// SpoolDirName is the capture spool subdirectory.
	SpoolDirName = "spool"
	// LogDirName is the log subdirectory.
	LogDirName = "logs"

	// EnvPrefix namespaces the environment overrides.
	EnvPrefix = "TRACKSYNC"

	// DefaultMutationBatchSize mirrors the mutation engine's default.
	DefaultMutationBatchSize = 20
	// DefaultEndpointTimeout mirrors the gateway client's default.
	DefaultEndpointTimeout = 30 * time.Second
)

// Config is the loaded runtime configuration.
type Config struct {
	// Dir is the state directory everything else derives from. Set by
	// Load, never read from the file.
	Dir string `mapstructure:"-" yaml:"-"`

	Endpoint EndpointConfig `mapstructure:"endpoint"`
	Database DatabaseConfig `mapstructure:"database"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Mutation MutationConfig `mapstructure:"mutation"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Spool    SpoolConfig    `mapstructure:"spool"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
}

// EndpointConfig describes the sync API.
type EndpointConfig struct {
	// BaseURL is the API root, e.g. https://api.example.com. Required
	// for any command that talks to the server.
	BaseURL string `mapstructure:"base_url"`
	// Token is the bearer token; empty for unauthenticated deployments.
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig locates the store.
type DatabaseConfig struct {
	// Path overrides the default location inside the state directory.
	Path string `mapstructure:"path"`
}

// QueueConfig tunes the location sample queue.
type QueueConfig struct {
	Capacity         int           `mapstructure:"capacity"`
	BatchSize        int           `mapstructure:"batch_size"`
	MinCycleInterval time.Duration `mapstructure:"min_cycle_interval"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// MutationConfig tunes the mutation queue.
type MutationConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// DaemonConfig tunes the background workers.
type DaemonConfig struct {
	DrainInterval     time.Duration `mapstructure:"drain_interval"`
	DispatchInterval  time.Duration `mapstructure:"dispatch_interval"`
	PurgeInterval     time.Duration `mapstructure:"purge_interval"`
	RetainSettled     time.Duration `mapstructure:"retain_settled"`
	StalePendingAfter time.Duration `mapstructure:"stale_pending_after"`
	// LogFile, when set, sends daemon logs to a rotating file instead
	// of stderr.
	LogFile string `mapstructure:"log_file"`
}

// SpoolConfig tunes the capture spool ingester.
type SpoolConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Dir overrides the default spool location inside the state
	// directory.
	Dir              string        `mapstructure:"dir"`
	MinSpacingMeters float64       `mapstructure:"min_spacing_meters"`
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`
}

// BridgeConfig tunes the WebSocket push bridge.
type BridgeConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Port          int           `mapstructure:"port"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// DefaultDir returns the per-user state directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDirName
	}
	return filepath.Join(home, DefaultDirName)
}

// setDefaults seeds viper with the component defaults so a bare
// installation runs without a config file.
func setDefaults(v *viper.Viper) {
	dr := drain.DefaultConfig()
	dm := daemon.DefaultConfig()
	sp := spool.DefaultConfig()
	br := bridge.DefaultConfig()

	v.SetDefault("endpoint.timeout", DefaultEndpointTimeout)

	v.SetDefault("queue.capacity", dr.QueueLimit)
	v.SetDefault("queue.batch_size", dr.BatchSize)
	v.SetDefault("queue.min_cycle_interval", dr.MinCycleInterval)
	v.SetDefault("queue.failure_threshold", dr.FailureThreshold)

	v.SetDefault("mutation.batch_size", DefaultMutationBatchSize)

	v.SetDefault("daemon.drain_interval", dm.DrainInterval)
	v.SetDefault("daemon.dispatch_interval", dm.DispatchInterval)
	v.SetDefault("daemon.purge_interval", dm.PurgeInterval)
	v.SetDefault("daemon.retain_settled", dm.RetainSettled)
	v.SetDefault("daemon.stale_pending_after", dm.StalePendingAfter)

	v.SetDefault("spool.enabled", true)
	v.SetDefault("spool.min_spacing_meters", sp.MinSpacing)
	v.SetDefault("spool.debounce_interval", sp.DebounceInterval)

	v.SetDefault("bridge.enabled", false)
	v.SetDefault("bridge.port", br.Port)
	v.SetDefault("bridge.stats_interval", br.StatsInterval)
}

// Load reads configuration for the given state directory. An empty dir
// selects the default. configFile, when set, must exist; otherwise the
// directory's config.yaml is read if present and skipped if not.
func Load(dir, configFile string) (*Config, error) {
	if dir == "" {
		dir = DefaultDir()
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
			// No config file; defaults and environment carry it.
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Dir = dir
	return cfg, nil
}

// DatabasePath returns the configured store location.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Dir, DatabaseFile)
}

// SpoolDir returns the configured capture spool directory.
func (c *Config) SpoolDir() string {
	if c.Spool.Dir != "" {
		return c.Spool.Dir
	}
	return filepath.Join(c.Dir, SpoolDirName)
}

// DevicePath returns the device identity file location.
func (c *Config) DevicePath() string {
	return filepath.Join(c.Dir, DeviceFile)
}

// ConfigPath returns the runtime configuration file location.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.Dir, ConfigFile)
}

// DeviceIdentity is the durable identity of this capture device.
type DeviceIdentity struct {
	// DeviceID seeds every idempotency token this device emits.
	DeviceID string `toml:"device_id"`
	// Provider is the default capture provider tag (gps, network, fused).
	Provider  string    `toml:"provider"`
	CreatedAt time.Time `toml:"created_at"`
}

// EnsureDeviceIdentity loads the device identity, minting and persisting
// one on first run. An identity file without a device id is an error,
// not a reset: tokens derive from the id, so it is never re-minted.
func EnsureDeviceIdentity(path string) (*DeviceIdentity, error) {
	var id DeviceIdentity
	_, err := toml.DecodeFile(path, &id)
	switch {
	case err == nil:
		if id.DeviceID == "" {
			return nil, fmt.Errorf("device identity %s has no device_id; refusing to re-mint", path)
		}
		return &id, nil
	case errors.Is(err, os.ErrNotExist):
		// First run; mint below.
	default:
		return nil, fmt.Errorf("failed to read device identity: %w", err)
	}

	id = DeviceIdentity{
		DeviceID:  "dev-" + uuid.NewString(),
		Provider:  "gps",
		CreatedAt: time.Now().UTC(),
	}
	if err := writeDeviceIdentity(path, &id); err != nil {
		if errors.Is(err, os.ErrExist) {
			// Lost a first-run race; adopt the winner's identity.
			return EnsureDeviceIdentity(path)
		}
		return nil, err
	}
	return &id, nil
}

// writeDeviceIdentity persists a freshly minted identity. O_EXCL keeps
// two concurrent first runs from minting different identities.
func writeDeviceIdentity(path string, id *DeviceIdentity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return err
		}
		return fmt.Errorf("failed to create device identity file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(id); err != nil {
		return fmt.Errorf("failed to write device identity: %w", err)
	}
	return nil
}

// starterFile is the YAML view of a starter configuration. Durations
// render as strings so the generated file stays editable.
type starterFile struct {
	Endpoint struct {
		BaseURL string `yaml:"base_url"`
		Token   string `yaml:"token"`
		Timeout string `yaml:"timeout"`
	} `yaml:"endpoint"`
	Queue struct {
		Capacity         int    `yaml:"capacity"`
		BatchSize        int    `yaml:"batch_size"`
		MinCycleInterval string `yaml:"min_cycle_interval"`
		FailureThreshold int    `yaml:"failure_threshold"`
	} `yaml:"queue"`
	Mutation struct {
		BatchSize int `yaml:"batch_size"`
	} `yaml:"mutation"`
	Daemon struct {
		DrainInterval     string `yaml:"drain_interval"`
		DispatchInterval  string `yaml:"dispatch_interval"`
		PurgeInterval     string `yaml:"purge_interval"`
		RetainSettled     string `yaml:"retain_settled"`
		StalePendingAfter string `yaml:"stale_pending_after"`
		LogFile           string `yaml:"log_file"`
	} `yaml:"daemon"`
	Spool struct {
		Enabled          bool    `yaml:"enabled"`
		MinSpacingMeters float64 `yaml:"min_spacing_meters"`
		DebounceInterval string  `yaml:"debounce_interval"`
	} `yaml:"spool"`
	Bridge struct {
		Enabled       bool   `yaml:"enabled"`
		Port          int    `yaml:"port"`
		StatsInterval string `yaml:"stats_interval"`
	} `yaml:"bridge"`
}

// WriteStarterConfig writes a starter configuration reflecting cfg. It
// refuses to overwrite an existing file.
func WriteStarterConfig(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	var out starterFile
	out.Endpoint.BaseURL = cfg.Endpoint.BaseURL
	out.Endpoint.Token = cfg.Endpoint.Token
	out.Endpoint.Timeout = cfg.Endpoint.Timeout.String()
	out.Queue.Capacity = cfg.Queue.Capacity
	out.Queue.BatchSize = cfg.Queue.BatchSize
	out.Queue.MinCycleInterval = cfg.Queue.MinCycleInterval.String()
	out.Queue.FailureThreshold = cfg.Queue.FailureThreshold
	out.Mutation.BatchSize = cfg.Mutation.BatchSize
	out.Daemon.DrainInterval = cfg.Daemon.DrainInterval.String()
	out.Daemon.DispatchInterval = cfg.Daemon.DispatchInterval.String()
	out.Daemon.PurgeInterval = cfg.Daemon.PurgeInterval.String()
	out.Daemon.RetainSettled = cfg.Daemon.RetainSettled.String()
	out.Daemon.StalePendingAfter = cfg.Daemon.StalePendingAfter.String()
	out.Daemon.LogFile = cfg.Daemon.LogFile
	out.Spool.Enabled = cfg.Spool.Enabled
	out.Spool.MinSpacingMeters = cfg.Spool.MinSpacingMeters
	out.Spool.DebounceInterval = cfg.Spool.DebounceInterval.String()
	out.Bridge.Enabled = cfg.Bridge.Enabled
	out.Bridge.Port = cfg.Bridge.Port
	out.Bridge.StatsInterval = cfg.Bridge.StatsInterval.String()

	buf := &bytes.Buffer{}
	buf.WriteString("# tracksync configuration\n")
	buf.WriteString("# Values here override built-in defaults; " + EnvPrefix + "_* environment\n")
	buf.WriteString("# variables override both.\n\n")

	enc := yaml.NewEncoder(buf)
	enc.SetIndent(2)
	if err := enc.Encode(&out); err != nil {
		return fmt.Errorf("failed to encode starter config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finish starter config: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write starter config: %w", err)
	}
	return nil
}
