// Package config loads riskgate settings from YAML files and RISKGATE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/Aidin1998/riskgate/internal/admission"
	"github.com/Aidin1998/riskgate/internal/messaging"
	"github.com/Aidin1998/riskgate/internal/redis"
	"github.com/Aidin1998/riskgate/internal/risk"
	"github.com/Aidin1998/riskgate/internal/server"
	"github.com/Aidin1998/riskgate/internal/store"
	"github.com/Aidin1998/riskgate/pkg/logger"
)

// EnvPrefix prefixes every environment override, e.g. RISKGATE_BUS_BACKEND.
const EnvPrefix = "RISKGATE"

// Config is the full process configuration.
type Config struct {
	Logger      logger.Config           `mapstructure:"logger"`
	Bus         BusConfig               `mapstructure:"bus"`
	Redis       redis.Config            `mapstructure:"redis"`
	DeadLetters DeadLetterConfig        `mapstructure:"dead_letters"`
	Manager     messaging.ManagerConfig `mapstructure:"manager"`
	Store       store.Config            `mapstructure:"store"`
	Admission   admission.Config        `mapstructure:"admission"`
	Risk        RiskConfig              `mapstructure:"risk"`
	Server      server.Config           `mapstructure:"server"`
}

// BusConfig selects the topic log backend.
type BusConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=memory redis"`
	// TrimMaxLen caps each topic on every maintenance tick; zero disables it.
	TrimMaxLen int64 `mapstructure:"trim_max_len" validate:"gte=0"`
}

// DeadLetterConfig configures where exhausted messages go.
type DeadLetterConfig struct {
	Badger       messaging.BadgerOptions `mapstructure:"badger"`
	KafkaEnabled bool                    `mapstructure:"kafka_enabled"`
	Kafka        messaging.KafkaConfig   `mapstructure:"kafka"`
}

// RiskConfig configures the engine.
type RiskConfig struct {
	Currency          string                 `mapstructure:"currency" validate:"len=3"`
	MarketHours       risk.MarketHoursConfig `mapstructure:"market_hours"`
	MinTriggerDropPct float64                `mapstructure:"min_trigger_drop_pct" validate:"gt=0,lte=100"`
	ViolationLogSize  int                    `mapstructure:"violation_log_size" validate:"gte=0"`
	SeedFile          string                 `mapstructure:"seed_file"`
	SweepInterval     time.Duration          `mapstructure:"sweep_interval" validate:"gt=0"`
	// DailyReset is the HH:MM wall time in the market timezone at which
	// daily P&L starts over. Empty disables it.
	DailyReset string `mapstructure:"daily_reset"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Logger: logger.Config{Level: "info", Format: "json", Service: "riskgate"},
		Bus: BusConfig{
			Backend:    "redis",
			TrimMaxLen: 1_000_000,
		},
		Redis: *redis.DefaultConfig(),
		DeadLetters: DeadLetterConfig{
			Badger: messaging.BadgerOptions{Path: "data/deadletters"},
			Kafka:  *messaging.DefaultKafkaConfig(),
		},
		Manager:   messaging.DefaultManagerConfig(),
		Store:     store.DefaultConfig(),
		Admission: admission.DefaultConfig(),
		Risk: RiskConfig{
			Currency:          "USD",
			MarketHours:       risk.DefaultMarketHoursConfig(),
			MinTriggerDropPct: 7,
			ViolationLogSize:  1000,
			SweepInterval:     30 * time.Second,
			DailyReset:        "17:00",
		},
		Server: server.DefaultConfig(),
	}
}

// Load merges the defaults, every existing file in paths (later files win)
// and the environment, then validates the result.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal only sees keys viper knows about, so every field gets a
	// default for environment overrides to bind to.
	setDefaults(v, "", reflect.ValueOf(Default()))

	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		v.SetConfigFile(p)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", p, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the values that need parsing.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if _, err := risk.NewMarketHours(c.Risk.MarketHours); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if c.Risk.DailyReset != "" {
		if _, err := time.Parse("15:04", c.Risk.DailyReset); err != nil {
			return fmt.Errorf("configuration validation failed: daily_reset %q: %w", c.Risk.DailyReset, err)
		}
	}
	if c.DeadLetters.KafkaEnabled && len(c.DeadLetters.Kafka.Brokers) == 0 {
		return errors.New("configuration validation failed: kafka dead letters need brokers")
	}
	return nil
}

// setDefaults registers every mapstructure-tagged leaf of v under prefix.
func setDefaults(vp *viper.Viper, prefix string, v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := strings.Split(f.Tag.Get("mapstructure"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			setDefaults(vp, key, fv)
			continue
		}
		vp.SetDefault(key, fv.Interface())
	}
}
