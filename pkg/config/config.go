package config

// Package config loads Astreum node configuration from YAML files and
// environment variables. A zero-value Config (after Default) describes
// a working in-memory test node; every field has a usable default.

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/astreum/astreum-go/pkg/utils"
)

// DefaultHotStorageLimit bounds the in-memory atom tier when the config
// does not say otherwise.
const DefaultHotStorageLimit = 256 << 20 // 256 MiB

// Config is the node configuration.
type Config struct {
	Chain           string   `mapstructure:"chain"`
	ChainID         uint64   `mapstructure:"chain_id"`
	IncomingPort    int      `mapstructure:"incoming_port"`
	Bootstrap       []string `mapstructure:"bootstrap"`
	DefaultSeeds    []string `mapstructure:"default_seeds"`
	AdditionalSeeds []string `mapstructure:"additional_seeds"`

	HotStorageDefaultLimit int64  `mapstructure:"hot_storage_default_limit"`
	ColdStorageLimit       int64  `mapstructure:"cold_storage_limit"`
	ColdStoragePath        string `mapstructure:"cold_storage_path"`

	// ValidatorKey is the hex Ed25519 identity seed of a validating
	// node. Empty for relay-only nodes.
	ValidatorKey string `mapstructure:"validator_key"`

	Verbose bool `mapstructure:"verbose"`
}

// Default returns the configuration of a plain in-memory test node.
func Default() *Config {
	return &Config{
		Chain:                  "test",
		ChainID:                0,
		IncomingPort:           0, // ephemeral
		HotStorageDefaultLimit: DefaultHotStorageLimit,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chain", "test")
	v.SetDefault("chain_id", 0)
	v.SetDefault("incoming_port", 0)
	v.SetDefault("bootstrap", []string{})
	v.SetDefault("default_seeds", []string{})
	v.SetDefault("additional_seeds", []string{})
	v.SetDefault("hot_storage_default_limit", DefaultHotStorageLimit)
	v.SetDefault("cold_storage_limit", 0)
	v.SetDefault("cold_storage_path", "")
	v.SetDefault("validator_key", "")
	v.SetDefault("verbose", false)
}

// Load reads the configuration at path (YAML), merges environment
// overrides prefixed ASTREUM_, and applies defaults. An empty path
// yields the defaults plus environment.
func Load(path string) (*Config, error) {
	// Best effort: a .env in the working directory feeds the overrides.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ASTREUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, utils.Wrap(err, "read config")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return cfg, nil
}

// Seeds returns the deduplicated bootstrap list: bootstrap, default
// seeds, then additional seeds, in that order.
func (c *Config) Seeds() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range [][]string{c.Bootstrap, c.DefaultSeeds, c.AdditionalSeeds} {
		for _, s := range group {
			if _, dup := seen[s]; dup || s == "" {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// ColdStorageEnabled reports whether the on-disk tier is configured.
func (c *Config) ColdStorageEnabled() bool {
	return c.ColdStoragePath != "" && c.ColdStorageLimit > 0
}
