// Package config provides configuration management for the sandbox gateway.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the gateway.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Reaper     ReaperConfig     `mapstructure:"reaper"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds

	// IsSandbox, when true, means this process is running inside a
	// workload rather than as the gateway, and exposes only /health.
	// This binary does not serve /execute in that mode; the in-workload
	// kernel executor is a separate program.
	IsSandbox bool `mapstructure:"isSandbox"`
}

// KubernetesConfig holds orchestrator connectivity configuration.
type KubernetesConfig struct {
	Namespace  string `mapstructure:"namespace"`
	Kubeconfig string `mapstructure:"kubeconfig"` // empty means in-cluster config
}

// SandboxConfig holds the per-workload provisioning configuration.
type SandboxConfig struct {
	Image           string `mapstructure:"image"`
	Port            int    `mapstructure:"port"`
	UploadDir       string `mapstructure:"uploadDir"`
	ReadyTimeout    int    `mapstructure:"readyTimeoutSeconds"`
	ExecuteWait     int    `mapstructure:"executeWaitSeconds"`
	CPURequest      string `mapstructure:"cpuRequest"`
	CPULimit        string `mapstructure:"cpuLimit"`
	MemoryRequest   string `mapstructure:"memoryRequest"`
	MemoryLimit     string `mapstructure:"memoryLimit"`
	ConnectTimeout  int    `mapstructure:"connectTimeoutSeconds"`
	BackpressureMS  int    `mapstructure:"backpressureMillis"`
}

// ReaperConfig holds the idle-reaping background task configuration.
type ReaperConfig struct {
	IdleTimeout   int `mapstructure:"idleTimeoutSeconds"`
	CheckInterval int `mapstructure:"checkIntervalSeconds"`
}

// NATSConfig holds NATS messaging configuration for lifecycle events.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleTimeoutDuration returns the idle eviction threshold as a time.Duration.
func (r *ReaperConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(r.IdleTimeout) * time.Second
}

// CheckIntervalDuration returns the reaper tick interval as a time.Duration.
func (r *ReaperConfig) CheckIntervalDuration() time.Duration {
	return time.Duration(r.CheckInterval) * time.Second
}

// ReadyTimeoutDuration returns the workload readiness wait as a time.Duration.
func (s *SandboxConfig) ReadyTimeoutDuration() time.Duration {
	return time.Duration(s.ReadyTimeout) * time.Second
}

// ExecuteWaitDuration returns the short readiness wait used before a
// proxied execute as a time.Duration.
func (s *SandboxConfig) ExecuteWaitDuration() time.Duration {
	return time.Duration(s.ExecuteWait) * time.Second
}

// ConnectTimeoutDuration returns the upstream connect timeout as a time.Duration.
func (s *SandboxConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(s.ConnectTimeout) * time.Second
}

// detectDefaultLogFormat returns "json" inside a cluster or production
// environment, "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SANDBOXGW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.isSandbox", false)

	v.SetDefault("kubernetes.namespace", "app")
	v.SetDefault("kubernetes.kubeconfig", "")

	v.SetDefault("sandbox.image", "sandbox-kernel:latest")
	v.SetDefault("sandbox.port", 8000)
	v.SetDefault("sandbox.uploadDir", "/app")
	v.SetDefault("sandbox.readyTimeoutSeconds", 300)
	v.SetDefault("sandbox.executeWaitSeconds", 60)
	v.SetDefault("sandbox.cpuRequest", "250m")
	v.SetDefault("sandbox.cpuLimit", "1")
	v.SetDefault("sandbox.memoryRequest", "256Mi")
	v.SetDefault("sandbox.memoryLimit", "1Gi")
	v.SetDefault("sandbox.connectTimeoutSeconds", 30)
	v.SetDefault("sandbox.backpressureMillis", 5000)

	v.SetDefault("reaper.idleTimeoutSeconds", 3600)
	v.SetDefault("reaper.checkIntervalSeconds", 3600)

	// NATS defaults - empty URL means use the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "sandboxgw")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
// Environment variables use the SANDBOXGW_ prefix, plus the literal
// SANDBOX_IMAGE / KUBERNETES_NAMESPACE / IS_SANDBOX / IDLE_TIMEOUT /
// CHECK_INTERVAL variables named directly by the external interface.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SANDBOXGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("sandbox.image", "SANDBOX_IMAGE")
	_ = v.BindEnv("kubernetes.namespace", "KUBERNETES_NAMESPACE")
	_ = v.BindEnv("server.isSandbox", "IS_SANDBOX")
	_ = v.BindEnv("reaper.idleTimeoutSeconds", "IDLE_TIMEOUT")
	_ = v.BindEnv("reaper.checkIntervalSeconds", "CHECK_INTERVAL")
	_ = v.BindEnv("sandbox.uploadDir", "SANDBOX_UPLOAD_DIR")
	_ = v.BindEnv("logging.level", "SANDBOXGW_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sandboxgw/")

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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Kubernetes.Namespace == "" {
		errs = append(errs, "kubernetes.namespace must not be empty")
	}

	if cfg.Sandbox.Image == "" {
		errs = append(errs, "sandbox.image must not be empty")
	}
	if cfg.Sandbox.Port <= 0 || cfg.Sandbox.Port > 65535 {
		errs = append(errs, "sandbox.port must be between 1 and 65535")
	}
	if cfg.Sandbox.UploadDir == "" {
		errs = append(errs, "sandbox.uploadDir must not be empty")
	}

	if cfg.Reaper.IdleTimeout <= 0 {
		errs = append(errs, "reaper.idleTimeoutSeconds must be positive")
	}
	if cfg.Reaper.CheckInterval <= 0 {
		errs = append(errs, "reaper.checkIntervalSeconds must be positive")
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
