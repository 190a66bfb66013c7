// Package config provides configuration management for the control plane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Events       EventsConfig       `mapstructure:"events"`
	Provider     ProviderConfig     `mapstructure:"provider"`
	Docker       DockerConfig       `mapstructure:"docker"`
	Bridge       BridgeConfig       `mapstructure:"bridge"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Settings     SettingsConfig     `mapstructure:"settings"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration for the event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	Namespace string `mapstructure:"namespace"`
}

// ProviderConfig holds remote sandbox provider configuration.
type ProviderConfig struct {
	// Backend selects the Sandbox Provider Adapter implementation: "sprites" or "docker".
	Backend      string `mapstructure:"backend"`
	APIToken     string `mapstructure:"apiToken"`
	BaseURL      string `mapstructure:"baseUrl"`
	SnapshotName string `mapstructure:"snapshotName"`
}

// DockerConfig holds configuration for the local Docker-backed sandbox provider.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
}

// BridgeConfig holds configuration for dialing in-sandbox bridge processes.
type BridgeConfig struct {
	Port             int `mapstructure:"port"`
	DialTimeout      int `mapstructure:"dialTimeoutSeconds"`
	ReconnectBackoff int `mapstructure:"reconnectBackoffSeconds"`
}

// OrchestratorConfig holds the Session Orchestrator's timeout policy.
type OrchestratorConfig struct {
	InitialTimeoutSeconds  int `mapstructure:"initialTimeoutSeconds"`
	ActivityTimeoutSeconds int `mapstructure:"activityTimeoutSeconds"`

	// Overrides take precedence when non-zero. Tests use them for
	// sub-second deterministic timeouts.
	InitialTimeoutOverride  time.Duration `mapstructure:"-"`
	ActivityTimeoutOverride time.Duration `mapstructure:"-"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SettingsConfig controls process-wide behavior toggles sourced from the Setting table.
type SettingsConfig struct {
	// VisibleToUsers controls whether raw settings values are echoed back over the HTTP surface.
	VisibleToUsers bool `mapstructure:"visibleToUsers"`
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

func (o *OrchestratorConfig) InitialTimeout() time.Duration {
	if o.InitialTimeoutOverride > 0 {
		return o.InitialTimeoutOverride
	}
	return time.Duration(o.InitialTimeoutSeconds) * time.Second
}

func (o *OrchestratorConfig) ActivityTimeout() time.Duration {
	if o.ActivityTimeoutOverride > 0 {
		return o.ActivityTimeoutOverride
	}
	return time.Duration(o.ActivityTimeoutSeconds) * time.Second
}

func (b *BridgeConfig) DialTimeoutDuration() time.Duration {
	return time.Duration(b.DialTimeout) * time.Second
}

func (b *BridgeConfig) ReconnectBackoffDuration() time.Duration {
	return time.Duration(b.ReconnectBackoff) * time.Second
}

// detectDefaultLogFormat mirrors production-vs-terminal detection: JSON under
// an orchestrator, human-readable console output otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SANDBOXCTL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./sandboxctl.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "sandboxctl")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "sandboxctl")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Empty NATS URL means use the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "sandboxctl-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("provider.backend", "sprites")
	v.SetDefault("provider.apiToken", "")
	v.SetDefault("provider.baseUrl", "")
	v.SetDefault("provider.snapshotName", "base")

	v.SetDefault("docker.host", defaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "sandboxctl-network")
	v.SetDefault("docker.volumeBasePath", "/var/lib/sandboxctl/volumes")

	v.SetDefault("bridge.port", 8765)
	v.SetDefault("bridge.dialTimeoutSeconds", 10)
	v.SetDefault("bridge.reconnectBackoffSeconds", 2)

	v.SetDefault("orchestrator.initialTimeoutSeconds", 90)
	v.SetDefault("orchestrator.activityTimeoutSeconds", 300)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("settings.visibleToUsers", false)
}

func defaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SANDBOXCTL_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SANDBOXCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names don't fold from camelCase.
	_ = v.BindEnv("provider.apiToken", "SANDBOXCTL_PROVIDER_API_TOKEN")
	_ = v.BindEnv("provider.snapshotName", "SANDBOXCTL_PROVIDER_SNAPSHOT_NAME")
	_ = v.BindEnv("orchestrator.initialTimeoutSeconds", "SANDBOXCTL_INITIAL_TIMEOUT_SECONDS")
	_ = v.BindEnv("orchestrator.activityTimeoutSeconds", "SANDBOXCTL_ACTIVITY_TIMEOUT_SECONDS")
	_ = v.BindEnv("logging.level", "SANDBOXCTL_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "SANDBOXCTL_EVENTS_NAMESPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sandboxctl/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	if cfg.Provider.Backend != "sprites" && cfg.Provider.Backend != "docker" {
		errs = append(errs, "provider.backend must be one of: sprites, docker")
	}

	if cfg.Orchestrator.InitialTimeoutSeconds <= 0 {
		errs = append(errs, "orchestrator.initialTimeoutSeconds must be positive")
	}
	if cfg.Orchestrator.ActivityTimeoutSeconds <= 0 {
		errs = append(errs, "orchestrator.activityTimeoutSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
