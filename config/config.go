// Package config provides a reusable loader for cyfscore node configuration
// files and environment variables, grounded on the teacher's
// pkg/config/config.go loader shape — a single file read with viper, merged
// with an optional environment override, unmarshalled into a typed struct —
// switched from YAML to TOML per spec.md §6's on-disk config format.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"cyfscore/cyfserr"
)

// Version is the semantic version of the cyfsd release, printed by
// `cyfsd version`.
const Version = "v0.1.0"

// Config is the unified configuration for a cyfscore node, mirroring
// spec.md §6's named keys.
type Config struct {
	Noc struct {
		Backend          string `mapstructure:"backend" json:"backend"` // "memory" or "disk"
		Path             string `mapstructure:"path" json:"path"`
		MemoryCacheSize  int    `mapstructure:"memory_cache_size" json:"memory_cache_size"`
		CacheBudgetBytes int64  `mapstructure:"cache_budget_bytes" json:"cache_budget_bytes"`
		SnapshotInterval int    `mapstructure:"snapshot_interval" json:"snapshot_interval"`
	} `mapstructure:"noc" json:"noc"`

	Chunks struct {
		Path string `mapstructure:"path" json:"path"`
	} `mapstructure:"chunks" json:"chunks"`

	Rmeta struct {
		ReadBypassOod  bool `mapstructure:"read_bypass_ood" json:"read_bypass_ood"`
		WriteBypassOod bool `mapstructure:"write_bypass_ood" json:"write_bypass_ood"`
	} `mapstructure:"rmeta" json:"rmeta"`

	State struct {
		AccessMode struct {
			RootState  string `mapstructure:"root_state" json:"root_state"`   // "read" or "write"
			LocalCache string `mapstructure:"local_cache" json:"local_cache"` // "read" or "write"
		} `mapstructure:"access_mode" json:"access_mode"`
		NodeCacheSize int `mapstructure:"node_cache_size" json:"node_cache_size"`
	} `mapstructure:"state" json:"state"`

	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	HTTP struct {
		Addr string `mapstructure:"addr" json:"addr"`
	} `mapstructure:"http" json:"http"`

	Telemetry struct {
		Addr string `mapstructure:"addr" json:"addr"` // /metrics bind address, empty disables the metrics server
	} `mapstructure:"telemetry" json:"telemetry"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load.
var AppConfig Config

// Load reads <root>/etc/cyfsd.toml and merges an optional per-environment
// override (<root>/etc/cyfsd.<env>.toml), storing the result in AppConfig.
func Load(root, env string) (*Config, error) {
	viper.SetConfigName("cyfsd")
	viper.AddConfigPath(root + "/etc")
	viper.AddConfigPath("etc")
	viper.SetConfigType("toml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, cyfserr.New(cyfserr.IoError, "config: load default config", err)
	}

	if env != "" {
		viper.SetConfigName("cyfsd." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, cyfserr.New(cyfserr.IoError, fmt.Sprintf("config: merge %s config", env), err)
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, cyfserr.New(cyfserr.InvalidFormat, "config: unmarshal", err)
	}
	return &AppConfig, nil
}
