package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

// Config holds the gateway's runtime settings. Field names mirror the
// GATEWAY_* / PROXY_TO environment variables used by the original Java
// gateway so operators migrating a config don't have to relearn names.
type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// ProxyTo is the base URL of the upstream FHIR server requests are
	// forwarded to after an access decision grants them.
	ProxyTo string `mapstructure:"PROXY_TO"`

	// DevMode relaxes bundle-entry role enforcement to log-only (spec §6);
	// it must never be enabled against a production upstream.
	DevMode bool `mapstructure:"DEV_MODE"`

	// SerializeAccessTags is loaded from SERIALIZE_ACCESS_TAGS but no
	// component reads it: the sync-scope _tag rewrite always sends bare ids,
	// and no access tags are written onto forwarded resource bodies.
	// See DESIGN.md Open Question 1.
	SerializeAccessTags bool `mapstructure:"SERIALIZE_ACCESS_TAGS"`

	// Outbound connection-pool tuning for the upstream FHIR client,
	// mirroring HttpHelper.java's env vars.
	SocketTimeoutMS            int `mapstructure:"GATEWAY_SOCKET_TIMEOUT"`
	ConnectionRequestTimeoutMS int `mapstructure:"GATEWAY_CONNECTION_REQUEST_TIMEOUT"`
	ConnectTimeoutMS           int `mapstructure:"GATEWAY_CONNECT_TIMEOUT"`
	MaxConnectionTotal         int `mapstructure:"GATEWAY_MAX_CONNECTION_TOTAL"`
	MaxConnectionPerRoute      int `mapstructure:"GATEWAY_MAX_CONNECTION_PER_ROUTE"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	// PractitionerCacheTTLSeconds bounds how long a resolved practitioner
	// graph is reused for a given subject before the resolver re-fetches it.
	PractitionerCacheTTLSeconds int `mapstructure:"PRACTITIONER_CACHE_TTL_SECONDS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEV_MODE", false)
	v.SetDefault("SERIALIZE_ACCESS_TAGS", false)
	v.SetDefault("GATEWAY_SOCKET_TIMEOUT", 60000)
	v.SetDefault("GATEWAY_CONNECTION_REQUEST_TIMEOUT", 10000)
	v.SetDefault("GATEWAY_CONNECT_TIMEOUT", 10000)
	v.SetDefault("GATEWAY_MAX_CONNECTION_TOTAL", 100)
	v.SetDefault("GATEWAY_MAX_CONNECTION_PER_ROUTE", 20)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("PRACTITIONER_CACHE_TTL_SECONDS", 300)

	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("PROXY_TO")
	v.BindEnv("DEV_MODE")
	v.BindEnv("SERIALIZE_ACCESS_TAGS")
	v.BindEnv("GATEWAY_SOCKET_TIMEOUT")
	v.BindEnv("GATEWAY_CONNECTION_REQUEST_TIMEOUT")
	v.BindEnv("GATEWAY_CONNECT_TIMEOUT")
	v.BindEnv("GATEWAY_MAX_CONNECTION_TOTAL")
	v.BindEnv("GATEWAY_MAX_CONNECTION_PER_ROUTE")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("PRACTITIONER_CACHE_TTL_SECONDS")

	// Try reading .env file, but don't fail if missing.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.ProxyTo == "" {
		return nil, fmt.Errorf("PROXY_TO is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Gateway is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}
	if cfg.DevMode {
		log.Println("WARNING: DEV_MODE is enabled: missing bundle-entry roles are logged, not denied.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the gateway is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.ProxyTo == "" {
		return fmt.Errorf("PROXY_TO must be set to the upstream FHIR server base URL")
	}
	if c.IsProduction() && c.DevMode {
		return fmt.Errorf("DEV_MODE must not be enabled when ENV=production")
	}
	if c.MaxConnectionTotal <= 0 {
		return fmt.Errorf("GATEWAY_MAX_CONNECTION_TOTAL must be positive, got %d", c.MaxConnectionTotal)
	}
	if c.MaxConnectionPerRoute <= 0 {
		return fmt.Errorf("GATEWAY_MAX_CONNECTION_PER_ROUTE must be positive, got %d", c.MaxConnectionPerRoute)
	}
	if c.MaxConnectionPerRoute > c.MaxConnectionTotal {
		return fmt.Errorf("GATEWAY_MAX_CONNECTION_PER_ROUTE (%d) must not exceed GATEWAY_MAX_CONNECTION_TOTAL (%d)",
			c.MaxConnectionPerRoute, c.MaxConnectionTotal)
	}
	return nil
}
