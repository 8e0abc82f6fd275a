package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all service configuration, loaded from the environment.
type Config struct {
	// Image policy
	AllowedRegistries []string
	DockerConfigJSON  string

	// Durable store
	StateDB string

	// Lifecycle
	DrainGraceSeconds int
	TransientGCDays   int

	// Logging
	LogLevel  string
	LogFormat string

	// HTTP transport
	Host     string
	Port     int
	BasePath string

	// Auth
	AuthMode    string
	BearerToken string

	// Sandbox
	NetworkMode string

	// Warm pool
	DefaultImageAlias       string
	WarmPoolEnabled         bool
	WarmHealthCheckInterval int

	// Maintenance
	MaintenanceIntervalSeconds int
}

// Load reads configuration from environment variables, applying defaults
// for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("ALLOWED_REGISTRIES", "docker.io,ghcr.io")
	v.SetDefault("STATE_DB", "/var/lib/benchd/state.db")
	v.SetDefault("DRAIN_GRACE_S", 60)
	v.SetDefault("TRANSIENT_GC_DAYS", 7)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8861)
	v.SetDefault("BASE_PATH", "/api/v1")
	v.SetDefault("AUTH_MODE", "none")
	v.SetDefault("BEARER_TOKEN", "")
	v.SetDefault("NETWORK_MODE", "bridge")
	v.SetDefault("DEFAULT_IMAGE_ALIAS", "python:3.11-slim")
	v.SetDefault("WARM_POOL_ENABLED", true)
	v.SetDefault("WARM_HEALTH_CHECK_INTERVAL", 60)
	v.SetDefault("DOCKER_CONFIG_JSON", "")
	v.SetDefault("MAINTENANCE_INTERVAL_S", 3600)

	cfg := &Config{
		AllowedRegistries:          splitCSV(v.GetString("ALLOWED_REGISTRIES")),
		DockerConfigJSON:           v.GetString("DOCKER_CONFIG_JSON"),
		StateDB:                    v.GetString("STATE_DB"),
		DrainGraceSeconds:          v.GetInt("DRAIN_GRACE_S"),
		TransientGCDays:            v.GetInt("TRANSIENT_GC_DAYS"),
		LogLevel:                   v.GetString("LOG_LEVEL"),
		LogFormat:                  v.GetString("LOG_FORMAT"),
		Host:                       v.GetString("HOST"),
		Port:                       v.GetInt("PORT"),
		BasePath:                   v.GetString("BASE_PATH"),
		AuthMode:                   v.GetString("AUTH_MODE"),
		BearerToken:                v.GetString("BEARER_TOKEN"),
		NetworkMode:                v.GetString("NETWORK_MODE"),
		DefaultImageAlias:          v.GetString("DEFAULT_IMAGE_ALIAS"),
		WarmPoolEnabled:            v.GetBool("WARM_POOL_ENABLED"),
		WarmHealthCheckInterval:    v.GetInt("WARM_HEALTH_CHECK_INTERVAL"),
		MaintenanceIntervalSeconds: v.GetInt("MAINTENANCE_INTERVAL_S"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q: must be json or text", c.LogFormat)
	}

	switch c.AuthMode {
	case "none":
	case "bearer":
		if c.BearerToken == "" {
			return fmt.Errorf("AUTH_MODE=bearer requires BEARER_TOKEN")
		}
	default:
		return fmt.Errorf("invalid AUTH_MODE %q: must be none or bearer", c.AuthMode)
	}

	switch c.NetworkMode {
	case "bridge", "none":
	default:
		return fmt.Errorf("invalid NETWORK_MODE %q: must be bridge or none", c.NetworkMode)
	}

	if len(c.AllowedRegistries) == 0 {
		return fmt.Errorf("ALLOWED_REGISTRIES must name at least one registry")
	}

	if c.DrainGraceSeconds < 0 {
		return fmt.Errorf("DRAIN_GRACE_S must be >= 0")
	}

	return nil
}

// ListenAddr returns the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
