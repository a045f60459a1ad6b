// Package app loads configuration and assembles the relay service.
package app

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/voxhall/relay/pkg/configutil"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	LogFormat   string          `mapstructure:"log_format"`
	Relay       RelayConfig     `mapstructure:"relay"`
	Vendors     VendorsConfig   `mapstructure:"vendors"`
	Telephony   TelephonyConfig `mapstructure:"telephony"`
	Store       StoreConfig     `mapstructure:"store"`
	Notify      NotifyConfig    `mapstructure:"notify"`
}

// VendorConfig selects a provider and carries its free-form settings,
// decoded per provider at wiring time.
type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT     VendorConfig `mapstructure:"stt"`
	Advisor VendorConfig `mapstructure:"advisor"`
}

type TelephonyConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type StoreConfig struct {
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

type NotifyConfig struct {
	Provider string `mapstructure:"provider"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RelayConfig struct {
	SampleRate       int               `mapstructure:"sample_rate"`
	ConnectTimeoutMS int               `mapstructure:"connect_timeout_ms"`
	TrackRoles       map[string]string `mapstructure:"track_roles"`
	Filter           FilterConfig      `mapstructure:"filter"`
	Session          SessionConfig     `mapstructure:"session"`
	Suggest          SuggestConfig     `mapstructure:"suggestions"`
}

type FilterConfig struct {
	MinLength     int      `mapstructure:"min_length"`
	FillerWords   []string `mapstructure:"filler_words"`
	DedupWindowMS int      `mapstructure:"dedup_window_ms"`
	HistorySize   int      `mapstructure:"history_size"`
}

type SessionConfig struct {
	ResolveMaxAttempts int `mapstructure:"resolve_max_attempts"`
	ResolveBackoffMS   int `mapstructure:"resolve_backoff_ms"`
	BufferLimit        int `mapstructure:"buffer_limit"`
}

type SuggestConfig struct {
	CooldownMS       int `mapstructure:"cooldown_ms"`
	RequestTimeoutMS int `mapstructure:"request_timeout_ms"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("relay.sample_rate", 8000)
	v.SetDefault("relay.connect_timeout_ms", 10000)
	v.SetDefault("relay.filter.min_length", 3)
	v.SetDefault("relay.filter.dedup_window_ms", 30000)
	v.SetDefault("relay.filter.history_size", 10)
	v.SetDefault("relay.session.resolve_max_attempts", 10)
	v.SetDefault("relay.session.resolve_backoff_ms", 500)
	v.SetDefault("relay.session.buffer_limit", 50)
	v.SetDefault("relay.suggestions.cooldown_ms", 15000)
	v.SetDefault("relay.suggestions.request_timeout_ms", 15000)
	v.SetDefault("telephony.provider", "twilio")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("notify.provider", "none")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Vendors.STT.Provider, "vendors.stt.provider"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Telephony.Provider, "telephony.provider"); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	for track, role := range c.Relay.TrackRoles {
		switch strings.ToLower(strings.TrimSpace(role)) {
		case "customer", "agent":
		default:
			return fmt.Errorf("relay.track_roles.%s: role %q is not customer or agent", track, role)
		}
	}
	return nil
}

// expandEnvStrings substitutes ${VAR} references so secrets stay out of
// config files.
func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.Advisor.Settings = expandSettings(cfg.Vendors.Advisor.Settings)
	cfg.Telephony.Settings = expandSettings(cfg.Telephony.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				expanded := os.ExpandEnv(v.MapIndex(key).String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
