// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	APISIX    APISIXConfig    `yaml:"apisix"`
	Vault     VaultConfig     `yaml:"vault"`
	Keycloak  KeycloakConfig  `yaml:"keycloak"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	LogLevel        string        `yaml:"log_level"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// APISIXConfig holds gateway fleet settings.
type APISIXConfig struct {
	KeyPath   string               `yaml:"key_path"`
	KeyName   string               `yaml:"key_name"`
	Instances []APISIXInstanceSpec `yaml:"instances"`
}

// APISIXInstanceSpec is one gateway instance in the fleet.
type APISIXInstanceSpec struct {
	Name       string `yaml:"name"`
	AdminURL   string `yaml:"admin_url"`
	GatewayURL string `yaml:"gateway_url"`
	AdminKey   string `yaml:"admin_api_key"`
}

// VaultConfig holds secret-store cluster settings.
type VaultConfig struct {
	BasePath     string              `yaml:"base_path"`
	SecretPhrase string              `yaml:"secret_phrase"`
	Instances    []VaultInstanceSpec `yaml:"instances"`
}

// VaultInstanceSpec is one secret-store instance in the cluster.
type VaultInstanceSpec struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// KeycloakConfig holds identity-provider settings.
type KeycloakConfig struct {
	URL          string `yaml:"url"`
	Realm        string `yaml:"realm"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// AuthKeyName is the plugin field name that binds the secret-store record
// to the gateway's key-auth indirection; it is the default for
// apisix.key_name and matches the auth_key field of secret-store records.
const AuthKeyName = "auth_key"

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
// The path defaults to the CONFIG_FILE environment variable when path is
// empty; a SECRETS_FILE, if set, is loaded afterward and merged on top,
// letting deployments keep credentials out of the main config file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path == "" {
		path = "config.yaml"
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			LogLevel:        "info",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		APISIX: APISIXConfig{
			KeyName: AuthKeyName,
		},
	}

	if err := loadInto(cfg, path); err != nil {
		return nil, err
	}

	if secrets := os.Getenv("SECRETS_FILE"); secrets != "" {
		if err := loadInto(cfg, secrets); err != nil {
			return nil, fmt.Errorf("load secrets file: %w", err)
		}
	}

	if cfg.APISIX.KeyName == "" {
		cfg.APISIX.KeyName = AuthKeyName
	}

	return cfg, nil
}

func loadInto(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	data = expandEnv(data)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}
