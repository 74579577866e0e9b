// Package config assembles runtime configuration. Environment variables
// are the source of truth (a local .env is loaded when present); an
// optional YAML file supplies tuning knobs that rarely change per deploy.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server        ServerConfig
	DatabaseURL   string
	RedisURL      string
	MLSidecarURL  string
	FrontendURLs  []string
	EncryptionKey string
	JWTSecret     string

	Tuning TuningConfig
}

type ServerConfig struct {
	Host string
	Port string
}

// TuningConfig holds the optional YAML overlay. Zero values mean the
// built-in defaults in each subsystem apply.
type TuningConfig struct {
	Guard GuardTuning `yaml:"guard"`
	Scan  ScanTuning  `yaml:"scan"`
}

type GuardTuning struct {
	BufferCapacity   int `yaml:"buffer_capacity"`
	BatchSize        int `yaml:"batch_size"`
	FlushIntervalMs  int `yaml:"flush_interval_ms"`
	PromptCacheTTLs  int `yaml:"prompt_cache_ttl_seconds"`
	ClientCacheTTLs  int `yaml:"client_cache_ttl_seconds"`
	BreakerThreshold int `yaml:"breaker_failure_threshold"`
	BreakerResetSecs int `yaml:"breaker_reset_seconds"`
}

type ScanTuning struct {
	MaxConcurrentScans     int `yaml:"max_concurrent_scans"`
	PollIntervalSeconds    int `yaml:"poll_interval_seconds"`
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
}

func (c ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// Load reads the environment (after best-effort .env) and validates that
// the secrets needed at boot are present.
func Load() (*Config, error) {
	// Missing .env is normal outside local dev.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host: envOr("SERVER_HOST", "0.0.0.0"),
			Port: envOr("SERVER_PORT", "8080"),
		},
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      envOr("REDIS_URL", "redis://localhost:6379"),
		MLSidecarURL:  envOr("ML_SIDECAR_URL", "localhost:50051"),
		FrontendURLs:  splitOrigins(envOr("FRONTEND_URL", "http://localhost:3000")),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.EncryptionKey == "" || cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: ENCRYPTION_KEY and JWT_SECRET are required")
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadTuning(path, &cfg.Tuning); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func loadTuning(path string, out *TuningConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// splitOrigins turns the comma separated FRONTEND_URL value into a
// trimmed origin allowlist.
func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
