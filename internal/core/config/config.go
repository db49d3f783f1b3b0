// Package config loads runtime settings from defaults, an optional YAML file
// and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type InvalidationCfg struct {
	Enabled bool   `koanf:"enabled"`
	Topic   string `koanf:"topic" validate:"required_if=Enabled true"`
	Brokers string `koanf:"brokers" validate:"required_if=Enabled true"`
	GroupID string `koanf:"group_id" validate:"required_if=Enabled true"`
}

type Config struct {
	Addr              string          `koanf:"addr" validate:"required"`
	LogLevel          string          `koanf:"log_level" validate:"oneof=debug info warn error"`
	LogConsole        bool            `koanf:"log_console"`
	LogSampleN        int             `koanf:"log_sample_n" validate:"gte=0"`
	APIServer         string          `koanf:"api_server" validate:"required,url"`
	OSMAPI            string          `koanf:"osm_api" validate:"required,url"`
	DefaultReferer    string          `koanf:"default_referer"`
	DefaultFilter     string          `koanf:"default_filter" validate:"required"`
	ZTarget           int             `koanf:"z_target" validate:"gte=1,lte=20"`
	RedisAddr         string          `koanf:"redis_addr" validate:"required"`
	RedisPoolSize     int             `koanf:"redis_pool_size" validate:"gte=1"`
	CacheTTL          time.Duration   `koanf:"cache_ttl" validate:"gt=0"`
	LockTTL           time.Duration   `koanf:"lock_ttl" validate:"gt=0"`
	CacheOpTimeout    time.Duration   `koanf:"cache_op_timeout" validate:"gt=0"`
	MetadataTTL       time.Duration   `koanf:"metadata_ttl" validate:"gt=0"`
	UpstreamTimeout   time.Duration   `koanf:"upstream_timeout" validate:"gt=0"`
	UpstreamRPS       float64         `koanf:"upstream_rps" validate:"gt=0"`
	UpstreamBurst     int             `koanf:"upstream_burst" validate:"gte=1"`
	StalenessFormula  string          `koanf:"staleness_formula" validate:"oneof=days_per_edit edits_per_year"`
	RateLimitRequests int             `koanf:"rate_limit_requests" validate:"gte=0"`
	RateLimitWindow   time.Duration   `koanf:"rate_limit_window" validate:"gt=0"`
	MetricsEnabled    bool            `koanf:"metrics_enabled"`
	Invalidation      InvalidationCfg `koanf:"invalidation"`
}

// BrokerList splits the comma-separated broker setting.
func (c InvalidationCfg) BrokerList() []string {
	var out []string
	for p := range strings.SplitSeq(c.Brokers, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaults() map[string]any {
	return map[string]any{
		"addr":                  ":8000",
		"log_level":             "info",
		"log_console":           false,
		"log_sample_n":          0,
		"api_server":            "https://api.ohsome.org",
		"osm_api":               "https://www.openstreetmap.org/api/0.6",
		"default_referer":       "http://localhost:8000/",
		"default_filter":        "type:node",
		"z_target":              12,
		"redis_addr":            "localhost:6379",
		"redis_pool_size":       64,
		"cache_ttl":             "720h",
		"lock_ttl":              "5m",
		"cache_op_timeout":      "2s",
		"metadata_ttl":          "24h",
		"upstream_timeout":      "5m",
		"upstream_rps":          4.0,
		"upstream_burst":        4,
		"staleness_formula":     "days_per_edit",
		"rate_limit_requests":   120,
		"rate_limit_window":     "1m",
		"metrics_enabled":       true,
		"invalidation.enabled":  false,
		"invalidation.topic":    "osm-invalidation",
		"invalidation.brokers":  "localhost:9092",
		"invalidation.group_id": "uptodate-invalidator",
	}
}

// env names that do not follow the flat lower-case rule
var canonical = map[string]string{
	"invalidation_enabled": "invalidation.enabled",
	"kafka_topic":          "invalidation.topic",
	"kafka_brokers":        "invalidation.brokers",
	"kafka_group_id":       "invalidation.group_id",
}

func FromEnv() (Config, error) {
	return Load(os.Getenv("CONFIG_PATH"))
}

// Load builds a Config from defaults, the YAML file at path (if non-empty)
// and the process environment.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	// only keys with a default are taken from the environment; empty values are ignored
	known := k.All()
	envProvider := env.ProviderWithValue("", ".", func(name, value string) (string, any) {
		key := transform(name)
		if _, ok := known[key]; !ok || value == "" {
			return "", nil
		}
		return key, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func transform(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if mapped, ok := canonical[key]; ok {
		return mapped
	}
	return key
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: invalid %s: failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
