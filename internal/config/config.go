// Package config holds daemon configuration loaded through viper.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/avaropoint/crunchy/internal/fault"
	"github.com/avaropoint/crunchy/internal/uid"
)

// EnvPrefix prefixes every environment override, e.g. CRUNCHY_TOKEN_TTL.
const EnvPrefix = "CRUNCHY"

// PromiseConfig is the promise attached to components that register
// without one.
type PromiseConfig struct {
	Strict  bool `mapstructure:"strict"`
	Objects int  `mapstructure:"objects"` // -1 for unbounded
	Period  int  `mapstructure:"period"`  // ticks between evaluations
}

// Config is the daemon configuration.
type Config struct {
	// DataDir holds the platform key and the ledger. Empty means
	// ~/.crunchy under the shell's home directory.
	DataDir string `mapstructure:"data_dir"`
	// SnapshotPath overrides the shell's default snapshot location.
	SnapshotPath   string        `mapstructure:"snapshot_path"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	TokenTTL       int           `mapstructure:"token_ttl"`
	KeySizeBits    int           `mapstructure:"key_size_bits"`
	SigningTimeout time.Duration `mapstructure:"signing_timeout"`
	Retention      time.Duration `mapstructure:"retention"`
	Promise        PromiseConfig `mapstructure:"promise"`
	LogLevel       string        `mapstructure:"log_level"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		TickInterval:   time.Second,
		TokenTTL:       60,
		KeySizeBits:    64,
		SigningTimeout: uid.DefaultSigningTimeout,
		Retention:      time.Hour,
		Promise: PromiseConfig{
			Strict:  false,
			Objects: -1,
			Period:  1,
		},
		LogLevel: "info",
	}
}

// SetDefaults registers Defaults with v so env overrides and Unmarshal see
// every key.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("snapshot_path", d.SnapshotPath)
	v.SetDefault("tick_interval", d.TickInterval)
	v.SetDefault("token_ttl", d.TokenTTL)
	v.SetDefault("key_size_bits", d.KeySizeBits)
	v.SetDefault("signing_timeout", d.SigningTimeout)
	v.SetDefault("retention", d.Retention)
	v.SetDefault("promise.strict", d.Promise.Strict)
	v.SetDefault("promise.objects", d.Promise.Objects)
	v.SetDefault("promise.period", d.Promise.Period)
	v.SetDefault("log_level", d.LogLevel)
}

// Load reads configuration into v and returns it validated.
//
// Lookup order: cfgFile when given (it must exist), otherwise
// ~/.config/crunchy/config.yaml when present. Environment variables with
// EnvPrefix override file values.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(home, ".config", "crunchy"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return Config{}, fault.Wrap(fault.Config, err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fault.Wrap(fault.Config, err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the registry cannot run with.
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return fault.New(fault.Config, "tick_interval must be positive, got %s", c.TickInterval)
	}
	if c.TokenTTL <= 0 {
		return fault.New(fault.Config, "token_ttl must be positive, got %d", c.TokenTTL)
	}
	if !uid.ValidKeySize(c.KeySizeBits) {
		return fault.New(fault.Config, "key_size_bits must be within %d..%d, got %d",
			uid.MinKeySize, uid.MaxKeySize, c.KeySizeBits)
	}
	if c.SigningTimeout <= 0 {
		return fault.New(fault.Config, "signing_timeout must be positive, got %s", c.SigningTimeout)
	}
	if c.Retention <= 0 {
		return fault.New(fault.Config, "retention must be positive, got %s", c.Retention)
	}
	if c.Promise.Objects == 0 || c.Promise.Objects < -1 {
		return fault.New(fault.Config, "promise.objects must be positive or -1, got %d", c.Promise.Objects)
	}
	if c.Promise.Period < 0 {
		return fault.New(fault.Config, "promise.period must not be negative, got %d", c.Promise.Period)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fault.Wrap(fault.Config, err, "log_level")
	}
	return nil
}
