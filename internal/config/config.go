package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/fhirimport/internal/importer"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	Port     string `mapstructure:"PORT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	FHIRBaseURL        string  `mapstructure:"FHIR_BASE_URL"`
	FHIRAccessToken    string  `mapstructure:"FHIR_ACCESS_TOKEN"`
	FHIRPatientID      string  `mapstructure:"FHIR_PATIENT_ID"`
	FHIRTokenURL       string  `mapstructure:"FHIR_TOKEN_URL"`
	FHIRClientID       string  `mapstructure:"FHIR_CLIENT_ID"`
	FHIRPrivateKeyFile string  `mapstructure:"FHIR_PRIVATE_KEY_FILE"`
	FHIRKeyID          string  `mapstructure:"FHIR_KEY_ID"`
	FHIRScope          string  `mapstructure:"FHIR_SCOPE"`
	FHIRRateLimitRPS   float64 `mapstructure:"FHIR_RATE_LIMIT_RPS"`
	FHIRRateLimitBurst int     `mapstructure:"FHIR_RATE_LIMIT_BURST"`

	ImportPageSize            int           `mapstructure:"IMPORT_PAGE_SIZE"`
	ImportMaxResourcesPerType int           `mapstructure:"IMPORT_MAX_RESOURCES_PER_TYPE"`
	ImportSince               string        `mapstructure:"IMPORT_SINCE"`
	ImportResourceTypes       []string      `mapstructure:"IMPORT_RESOURCE_TYPES"`
	ImportIncludePatient      bool          `mapstructure:"IMPORT_INCLUDE_PATIENT"`
	ImportRequestTimeout      time.Duration `mapstructure:"IMPORT_REQUEST_TIMEOUT"`
	ImportRetryAttempts       int           `mapstructure:"IMPORT_RETRY_ATTEMPTS"`
	ImportRetryDelay          time.Duration `mapstructure:"IMPORT_RETRY_DELAY"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "PORT",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"FHIR_BASE_URL", "FHIR_ACCESS_TOKEN", "FHIR_PATIENT_ID",
	"FHIR_TOKEN_URL", "FHIR_CLIENT_ID", "FHIR_PRIVATE_KEY_FILE", "FHIR_KEY_ID", "FHIR_SCOPE",
	"FHIR_RATE_LIMIT_RPS", "FHIR_RATE_LIMIT_BURST",
	"IMPORT_PAGE_SIZE", "IMPORT_MAX_RESOURCES_PER_TYPE", "IMPORT_SINCE",
	"IMPORT_RESOURCE_TYPES", "IMPORT_INCLUDE_PATIENT", "IMPORT_REQUEST_TIMEOUT",
	"IMPORT_RETRY_ATTEMPTS", "IMPORT_RETRY_DELAY",
}

// Load reads configuration from the environment and an optional .env file.
// It does not validate; call Validate before using the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	defaults := importer.DefaultFetchConfig()
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", "8000")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("FHIR_SCOPE", "system/*.read")
	v.SetDefault("IMPORT_PAGE_SIZE", defaults.PageSize)
	v.SetDefault("IMPORT_MAX_RESOURCES_PER_TYPE", defaults.MaxResourcesPerType)
	v.SetDefault("IMPORT_INCLUDE_PATIENT", defaults.IncludePatient)
	v.SetDefault("IMPORT_REQUEST_TIMEOUT", defaults.RequestTimeout.String())
	v.SetDefault("IMPORT_RETRY_ATTEMPTS", defaults.RetryAttempts)
	v.SetDefault("IMPORT_RETRY_DELAY", defaults.RetryDelay.String())

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// A comma separated env value arrives as a single element.
	cfg.ImportResourceTypes = splitList(v.GetStringSlice("IMPORT_RESOURCE_TYPES"))

	return cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// UsesBackendServices reports whether tokens come from a SMART Backend
// Services token endpoint instead of a static token.
func (c *Config) UsesBackendServices() bool {
	return c.FHIRTokenURL != ""
}

// Since parses IMPORT_SINCE. An empty value yields nil.
func (c *Config) Since() (*time.Time, error) {
	if c.ImportSince == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, c.ImportSince)
	if err != nil {
		return nil, fmt.Errorf("IMPORT_SINCE must be RFC 3339: %w", err)
	}
	return &t, nil
}

// FetchConfig projects the IMPORT_* keys into an importer policy. An empty
// IMPORT_RESOURCE_TYPES keeps the importer defaults.
func (c *Config) FetchConfig() (importer.FetchConfig, error) {
	fc := importer.DefaultFetchConfig()
	fc.PageSize = c.ImportPageSize
	fc.MaxResourcesPerType = c.ImportMaxResourcesPerType
	fc.IncludePatient = c.ImportIncludePatient
	fc.RequestTimeout = c.ImportRequestTimeout
	fc.RetryAttempts = c.ImportRetryAttempts
	fc.RetryDelay = c.ImportRetryDelay
	if len(c.ImportResourceTypes) > 0 {
		fc.ResourceTypes = append([]string(nil), c.ImportResourceTypes...)
	}
	since, err := c.Since()
	if err != nil {
		return fc, err
	}
	fc.Since = since
	return fc, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.FHIRBaseURL == "" {
		return fmt.Errorf("FHIR_BASE_URL is required")
	}
	u, err := url.Parse(c.FHIRBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("FHIR_BASE_URL must be an http(s) URL, got %q", c.FHIRBaseURL)
	}

	if c.UsesBackendServices() {
		if c.FHIRClientID == "" {
			return fmt.Errorf("FHIR_CLIENT_ID is required when FHIR_TOKEN_URL is set")
		}
		if c.FHIRPrivateKeyFile == "" {
			return fmt.Errorf("FHIR_PRIVATE_KEY_FILE is required when FHIR_TOKEN_URL is set")
		}
	}

	if c.FHIRRateLimitRPS < 0 || c.FHIRRateLimitBurst < 0 {
		return fmt.Errorf("FHIR_RATE_LIMIT_RPS and FHIR_RATE_LIMIT_BURST must not be negative")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	fc, err := c.FetchConfig()
	if err != nil {
		return err
	}
	if err := fc.Validate(importer.DefaultRegistry()); err != nil {
		return fmt.Errorf("import settings: %w", err)
	}
	return nil
}
