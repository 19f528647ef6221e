// Package config loads application settings from RESTBRIDGE_* environment
// variables.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	restbridge "github.com/opengovern/restbridge"
	"github.com/opengovern/restbridge/metrics"
	"github.com/rs/zerolog"
)

const EnvPrefix = "RESTBRIDGE"

const (
	EnvBaseURL   = "RESTBRIDGE_BASE_URL"
	EnvAdapter   = "RESTBRIDGE_ADAPTER"
	EnvTokenFile = "RESTBRIDGE_TOKEN_FILE"
	EnvTokenKey  = "RESTBRIDGE_TOKEN_KEY"
	EnvRedisURL  = "RESTBRIDGE_REDIS_URL"
	EnvLogLevel  = "RESTBRIDGE_LOG_LEVEL"
	EnvLogFormat = "RESTBRIDGE_LOG_FORMAT"
)

type Config struct {
	BaseURL string `envconfig:"BASE_URL" required:"true" validate:"required,url"`
	Adapter string `envconfig:"ADAPTER" default:"generic" validate:"oneof=generic drf fastapi"`
	Origin  string `envconfig:"ORIGIN" validate:"omitempty,url"`

	Timeout           time.Duration `envconfig:"TIMEOUT" default:"30s" validate:"gt=0"`
	MaxRetries        int           `envconfig:"MAX_RETRIES" default:"3" validate:"gte=0,lte=10"`
	UseProviderLimits bool          `envconfig:"USE_PROVIDER_LIMITS" default:"true"`
	RequestsPerSecond float64       `envconfig:"REQUESTS_PER_SECOND" default:"0" validate:"gte=0"`

	TokenFile       string        `envconfig:"TOKEN_FILE"`
	TokenKey        string        `envconfig:"TOKEN_KEY" validate:"omitempty,hexadecimal,len=64"`
	RefreshInterval time.Duration `envconfig:"REFRESH_INTERVAL" default:"1m" validate:"gte=0"`

	RedisURL       string        `envconfig:"REDIS_URL" validate:"omitempty,url"`
	RedisNamespace string        `envconfig:"REDIS_NAMESPACE" default:"restbridge"`
	CacheTTL       time.Duration `envconfig:"CACHE_TTL" default:"5m" validate:"gte=0"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json console"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if tag := f.Tag.Get("envconfig"); tag != "" {
			return EnvPrefix + "_" + tag
		}
		return f.Name
	})
	return v
}

// Validate reports every invalid setting by its environment variable name.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validating config: %w", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field(), validationMessage(fe)))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return "must be an absolute URL"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "len":
		return fmt.Sprintf("must be %s characters long", fe.Param())
	case "hexadecimal":
		return "must be hex encoded"
	default:
		return fmt.Sprintf("failed %s %s", fe.Tag(), fe.Param())
	}
}

// SealKey decodes TokenKey. Nil means tokens are stored unsealed.
func (c *Config) SealKey() ([]byte, error) {
	if c.TokenKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", EnvTokenKey, err)
	}
	return key, nil
}

func (c *Config) ClientConfig(log *zerolog.Logger, m *metrics.ClientMetrics) restbridge.ClientConfig {
	return restbridge.ClientConfig{
		Timeout:           c.Timeout,
		MaxRetries:        c.MaxRetries,
		UseProviderLimits: c.UseProviderLimits,
		RequestsPerSecond: c.RequestsPerSecond,
		Origin:            c.Origin,
		Logger:            log,
		Metrics:           m,
	}
}
