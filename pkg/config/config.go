// Package config loads deployment configuration from the environment
// and machine profiles from YAML. The loaded struct is handed to the
// composition root once; nothing reads the environment after startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lutherie-works/rmos/pkg/canonicalize"
	"github.com/lutherie-works/rmos/pkg/contracts"
	"github.com/lutherie-works/rmos/pkg/pipeline"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	SQLitePath  string
	BlobBackend string
	BlobDir     string
	RedisURL    string
	JWTSecret   string
	JWTIssuer   string
	ProfilesDir string

	OTelEnabled  bool
	OTelEndpoint string
	Environment  string

	// DeprecationSunsetDate is stamped on legacy lane responses.
	DeprecationSunsetDate string

	// PolicyExpr overrides the feedback auto-decision expression.
	PolicyExpr string

	// Flags are the per-tool feedback switches. Everything defaults OFF;
	// each switch is enabled only by its own environment variable.
	Flags map[string]pipeline.ToolFlags
}

// Load reads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:                  getenv("PORT", "8080"),
		LogLevel:              getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		SQLitePath:            getenv("SQLITE_PATH", "data/rmos.db"),
		BlobBackend:           getenv("BLOB_BACKEND", "file"),
		BlobDir:               getenv("BLOB_DIR", "data/blobs"),
		RedisURL:              os.Getenv("REDIS_URL"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		JWTIssuer:             getenv("JWT_ISSUER", "rmos"),
		ProfilesDir:           getenv("MACHINE_PROFILES_DIR", "config/profiles"),
		DeprecationSunsetDate: getenv("DEPRECATION_SUNSET_DATE", defaultSunsetDate()),
		PolicyExpr:            os.Getenv("LEARNING_POLICY_EXPR"),
		OTelEnabled:           boolenv("OTEL_ENABLED"),
		OTelEndpoint:          getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Environment:           getenv("ENVIRONMENT", "development"),
		Flags:                 make(map[string]pipeline.ToolFlags),
	}
	for _, tool := range contracts.ToolKinds {
		prefix := strings.ToUpper(tool)
		flags := pipeline.ToolFlags{
			LearningHook:           boolenv(prefix + "_LEARNING_HOOK_ENABLED"),
			MetricsRollupHook:      boolenv(prefix + "_METRICS_ROLLUP_HOOK_ENABLED"),
			ApplyAcceptedOverrides: boolenv(prefix + "_APPLY_ACCEPTED_OVERRIDES"),
		}
		if flags != (pipeline.ToolFlags{}) {
			cfg.Flags[tool] = flags
		}
	}
	return cfg
}

// PipelineConfig derives the orchestrator configuration, including the
// fingerprint stamped on every artifact this deployment writes.
func (c *Config) PipelineConfig() (pipeline.Config, error) {
	fingerprint, err := canonicalize.ConfigFingerprint(struct {
		Flags      map[string]pipeline.ToolFlags `json:"flags"`
		PolicyExpr string                        `json:"policy_expr"`
	}{c.Flags, c.PolicyExpr})
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("config: fingerprint: %w", err)
	}
	return pipeline.Config{
		Timeouts:          pipeline.DefaultTimeouts(),
		Flags:             c.Flags,
		ConfigFingerprint: fingerprint,
	}, nil
}

func defaultSunsetDate() string {
	return time.Now().UTC().AddDate(0, 6, 0).Format("2006-01-02")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func boolenv(key string) bool {
	return os.Getenv(key) == "true"
}
