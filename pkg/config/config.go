// Package config loads the mediaq server configuration.
//
// Values come from, in increasing precedence: the built-in defaults, an optional YAML
// file, and MEDIAQ_* environment variables (MEDIAQ_QUEUE_MAXWORKERS=8).
package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/guido-cesarano/mediaq/pkg/coordinator"
	"github.com/guido-cesarano/mediaq/pkg/logger"
	"github.com/guido-cesarano/mediaq/pkg/queue"
	"github.com/guido-cesarano/mediaq/pkg/ratelimit"
	"github.com/guido-cesarano/mediaq/pkg/store"
	"github.com/guido-cesarano/mediaq/pkg/tasks"
)

const envPrefix = "MEDIAQ"

// HTTPConfig configures the admin API.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
	// APIKey enables X-API-Key authentication when set.
	APIKey          string         `mapstructure:"apiKey"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdownTimeout" validate:"gt=0"`
	DefaultPriority tasks.Priority `mapstructure:"defaultPriority" validate:"gte=0,lte=4"`
}

// RateLimitConfig adds process wiring to the limiter settings.
type RateLimitConfig struct {
	ratelimit.Config `mapstructure:",squash"`
	// Shared enables the Redis sliding window shared with other processes.
	Shared bool `mapstructure:"shared"`
	// Accounts are the account IDs registered at startup.
	Accounts []string `mapstructure:"accounts" validate:"dive,required"`
}

// ScheduleConfig enqueues a download on a cron spec.
type ScheduleConfig struct {
	Spec     string             `mapstructure:"spec" validate:"required"`
	URL      string             `mapstructure:"url" validate:"required,url"`
	Category ratelimit.Category `mapstructure:"category"`
	Priority tasks.Priority     `mapstructure:"priority" validate:"gte=0,lte=4"`
}

// Configuration is the complete server configuration.
type Configuration struct {
	Logging     logger.Config      `mapstructure:"logging"`
	Redis       store.Config       `mapstructure:"redis"`
	Queue       queue.Config       `mapstructure:"queue"`
	Coordinator coordinator.Config `mapstructure:"coordinator"`
	RateLimit   RateLimitConfig    `mapstructure:"rateLimit"`
	HTTP        HTTPConfig         `mapstructure:"http"`
	Schedules   []ScheduleConfig   `mapstructure:"schedules" validate:"dive"`
}

// DefaultHTTPConfig returns the default admin API settings.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Addr:            ":8081",
		ShutdownTimeout: 30 * time.Second,
		DefaultPriority: tasks.PriorityNormal,
	}
}

// DefaultRateLimitConfig returns the built-in policies and a single account.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Config:   ratelimit.DefaultConfig(),
		Accounts: []string{"default"},
	}
}

// Default returns the configuration used when nothing overrides it.
func Default() Configuration {
	return Configuration{
		Logging:     logger.Config{Level: "info"},
		Redis:       store.DefaultConfig(),
		Queue:       queue.DefaultConfig(),
		Coordinator: coordinator.DefaultConfig(),
		RateLimit:   DefaultRateLimitConfig(),
		HTTP:        DefaultHTTPConfig(),
	}
}

// Load reads the configuration. With no path it looks for config.yaml in ./config and
// the working directory and carries on without one.
func Load(path string) (Configuration, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Registering every default key lets environment variables override keys that the
	// file does not mention.
	defaults := map[string]interface{}{}
	if err := mapstructure.Decode(Default(), &defaults); err != nil {
		return Configuration{}, errors.Wrap(err, "encoding defaults")
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Configuration{}, errors.Wrap(err, "reading config file")
		}
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg, CustomHooks...); err != nil {
		return Configuration{}, errors.Wrap(err, "decoding config")
	}
	for c, p := range ratelimit.DefaultPolicies() {
		if _, ok := cfg.RateLimit.Policies[c]; !ok {
			if cfg.RateLimit.Policies == nil {
				cfg.RateLimit.Policies = make(map[ratelimit.Category]ratelimit.Policy)
			}
			cfg.RateLimit.Policies[c] = p
		}
	}

	if err := Validate(cfg); err != nil {
		LogValidationErrors(err)
		return Configuration{}, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// Validate checks the struct tags of cfg.
func Validate(cfg Configuration) error {
	return validator.New().Struct(cfg)
}

// LogValidationErrors logs one line per invalid field.
func LogValidationErrors(err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return
	}
	for _, e := range verrs {
		field := stripPrefix(e.Namespace())
		switch e.Tag() {
		case "required":
			logger.Log.Error().Str("field", field).Msg("Config field is required but was not found")
		default:
			logger.Log.Error().
				Str("field", field).
				Interface("value", e.Value()).
				Str("rule", e.Tag()).
				Msg("Config field has an invalid value")
		}
	}
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
