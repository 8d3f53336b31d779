// Package config loads the ingest/dispatch tier's configuration from a flat
// set of environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every setting the service reads at boot. Unlike a nested
// config tree, every field maps to exactly one enumerated environment
// variable: there is no config file and no prefix namespacing.
type Config struct {
	Host string
	Port int

	DatabaseURL string

	IngestToken         string
	ModuleCallbackToken string
	DashboardToken      string // optional; empty disables the dashboard read surface's auth check

	ModuleHealthcheckIntervalSeconds int
	MaxBodyBytes                     int64

	ObjectStoreCleanupEnabled         bool
	ObjectStoreCleanupDryRun          bool
	ObjectStoreCleanupIntervalSeconds int
	ObjectStoreTTLDays                int
	ObjectStoreTTLSeconds             int
	BatchIndexTTLDays                 int
	BatchIndexTTLSeconds              int

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	LocalStoreDir string

	CORSAllowOrigins  []string
	CORSPermissiveDev bool

	RedisURL string // optional; empty disables rate limiting
}

// UsesRemoteStore reports whether an S3 bucket is configured. When false the
// object store falls back to LocalStoreDir.
func (c *Config) UsesRemoteStore() bool {
	return c.S3Bucket != ""
}

// ObjectStoreTTL returns the configured object-store retention window in
// seconds. The seconds variable is an override of the human-facing days
// knob, there for sub-day test tuning.
func (c *Config) ObjectStoreTTL() int {
	if c.ObjectStoreTTLSeconds > 0 {
		return c.ObjectStoreTTLSeconds
	}
	return c.ObjectStoreTTLDays * 86400
}

// BatchIndexTTL mirrors ObjectStoreTTL for the index-row retention window.
func (c *Config) BatchIndexTTL() int {
	if c.BatchIndexTTLSeconds > 0 {
		return c.BatchIndexTTLSeconds
	}
	return c.BatchIndexTTLDays * 86400
}

// Load reads configuration from the process environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	cfg := &Config{
		Host:                              v.GetString("HOST"),
		Port:                              v.GetInt("PORT"),
		DatabaseURL:                       v.GetString("DATABASE_URL"),
		IngestToken:                       v.GetString("INGEST_TOKEN"),
		ModuleCallbackToken:               v.GetString("MODULE_CALLBACK_TOKEN"),
		DashboardToken:                    v.GetString("DASHBOARD_TOKEN"),
		ModuleHealthcheckIntervalSeconds:  v.GetInt("MODULE_HEALTHCHECK_INTERVAL_SECONDS"),
		MaxBodyBytes:                      v.GetInt64("MAX_BODY_BYTES"),
		ObjectStoreCleanupEnabled:         parseBool(v.GetString("OBJECT_STORE_CLEANUP_ENABLED"), false),
		ObjectStoreCleanupDryRun:          parseBool(v.GetString("OBJECT_STORE_CLEANUP_DRY_RUN"), true),
		ObjectStoreCleanupIntervalSeconds: v.GetInt("OBJECT_STORE_CLEANUP_INTERVAL_SECONDS"),
		ObjectStoreTTLDays:                v.GetInt("OBJECT_STORE_TTL_DAYS"),
		ObjectStoreTTLSeconds:             v.GetInt("OBJECT_STORE_TTL_SECONDS"),
		BatchIndexTTLDays:                 v.GetInt("BATCH_INDEX_TTL_DAYS"),
		BatchIndexTTLSeconds:              v.GetInt("BATCH_INDEX_TTL_SECONDS"),
		S3Bucket:                          v.GetString("S3_BUCKET"),
		S3Region:                          v.GetString("S3_REGION"),
		S3Endpoint:                        v.GetString("S3_ENDPOINT"),
		S3AccessKey:                       v.GetString("S3_ACCESS_KEY"),
		S3SecretKey:                       v.GetString("S3_SECRET_KEY"),
		LocalStoreDir:                     v.GetString("LOCAL_STORE_DIR"),
		CORSPermissiveDev:                 parseBool(v.GetString("CORS_PERMISSIVE_DEV"), false),
		RedisURL:                          v.GetString("REDIS_URL"),
	}

	if origins := v.GetString("CORS_ALLOW_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.CORSAllowOrigins = append(cfg.CORSAllowOrigins, o)
			}
		}
	}

	if cfg.IngestToken == "" {
		return nil, fmt.Errorf("INGEST_TOKEN is required")
	}
	if cfg.ModuleCallbackToken == "" {
		return nil, fmt.Errorf("MODULE_CALLBACK_TOKEN is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

var envKeys = []string{
	"HOST", "PORT", "DATABASE_URL", "INGEST_TOKEN", "MODULE_CALLBACK_TOKEN", "DASHBOARD_TOKEN",
	"MODULE_HEALTHCHECK_INTERVAL_SECONDS", "MAX_BODY_BYTES",
	"OBJECT_STORE_CLEANUP_ENABLED", "OBJECT_STORE_CLEANUP_DRY_RUN", "OBJECT_STORE_CLEANUP_INTERVAL_SECONDS",
	"OBJECT_STORE_TTL_DAYS", "OBJECT_STORE_TTL_SECONDS", "BATCH_INDEX_TTL_DAYS", "BATCH_INDEX_TTL_SECONDS",
	"S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_ACCESS_KEY", "S3_SECRET_KEY",
	"LOCAL_STORE_DIR", "CORS_ALLOW_ORIGINS", "CORS_PERMISSIVE_DEV", "REDIS_URL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 3002)
	v.SetDefault("MODULE_HEALTHCHECK_INTERVAL_SECONDS", 10)
	v.SetDefault("MAX_BODY_BYTES", int64(10*1024*1024))
	v.SetDefault("OBJECT_STORE_CLEANUP_INTERVAL_SECONDS", 3600)
	v.SetDefault("OBJECT_STORE_TTL_DAYS", 30)
	v.SetDefault("BATCH_INDEX_TTL_DAYS", 30)
	v.SetDefault("LOCAL_STORE_DIR", "./data/objects")
}

// parseBool implements the original service's permissive boolean-env
// convention: 1/true/yes/y/on and 0/false/no/n/off, case-insensitive. An
// unset or unrecognized value falls back to def.
func parseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
