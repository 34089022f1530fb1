package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	ListenAddr string               `json:"listen_addr" yaml:"listen_addr"`
	Database   DatabaseConfig       `json:"database" yaml:"database"`
	Auth       AuthConfig           `json:"auth" yaml:"auth"`
	Security   SecurityConfig       `json:"security" yaml:"security"`
	Upstream   UpstreamConfig       `json:"upstream" yaml:"upstream"`
	Runs       RunsConfig           `json:"runs" yaml:"runs"`
	Observer   ObservabilityConfig  `json:"observability" yaml:"observability"`
	Limits     UserQuickLimitConfig `json:"limits" yaml:"limits"`
}

type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxConns       int32  `json:"max_conns" yaml:"max_conns"`
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`
}

type AuthConfig struct {
	SessionTTL string `json:"session_ttl" yaml:"session_ttl"`
	CookieName string `json:"cookie_name" yaml:"cookie_name"`
}

type SecurityConfig struct {
	AdminToken string `json:"admin_token" yaml:"admin_token"`
}

// UpstreamConfig holds the credentials the server uses when it talks to
// audited endpoints. Keys never arrive through the API.
type UpstreamConfig struct {
	APIKey           string `json:"api_key" yaml:"api_key"`
	APIKeyEnv        string `json:"api_key_env" yaml:"api_key_env"`
	DefaultEndpoint  string `json:"default_endpoint" yaml:"default_endpoint"`
	DefaultTokenizer string `json:"default_tokenizer" yaml:"default_tokenizer"`
}

type RunsConfig struct {
	DefaultTimeoutSec int `json:"default_timeout_sec" yaml:"default_timeout_sec"`
	MaxParallelRuns   int `json:"max_parallel_runs" yaml:"max_parallel_runs"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

type UserQuickLimitConfig struct {
	QuickAuditRPM int `json:"quick_audit_rpm" yaml:"quick_audit_rpm"`
	LoginRPM      int `json:"login_rpm" yaml:"login_rpm"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrationsPath: "./migrations",
		},
		Auth: AuthConfig{
			SessionTTL: "8h",
			CookieName: "audit_session",
		},
		Upstream: UpstreamConfig{
			APIKeyEnv:        "OPENAI_API_KEY",
			DefaultEndpoint:  "https://api.openai.com",
			DefaultTokenizer: "cl100k_base",
		},
		Runs: RunsConfig{
			DefaultTimeoutSec: 540,
			MaxParallelRuns:   2,
		},
		Observer: ObservabilityConfig{
			ServiceName: "audit-api",
			SampleRatio: 1,
		},
		Limits: UserQuickLimitConfig{
			QuickAuditRPM: 6,
			LoginRPM:      10,
		},
	}
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config: %w", err)
		}
	default:
		var yamlErr error
		if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
			break
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New("config format not recognized (expected yaml/json)")
		}
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

func normalizeConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if strings.TrimSpace(cfg.Database.MigrationsPath) == "" {
		cfg.Database.MigrationsPath = "./migrations"
	}
	if strings.TrimSpace(cfg.Auth.CookieName) == "" {
		cfg.Auth.CookieName = "audit_session"
	}
	if strings.TrimSpace(cfg.Auth.SessionTTL) == "" {
		cfg.Auth.SessionTTL = "8h"
	}
	if strings.TrimSpace(cfg.Upstream.DefaultEndpoint) == "" {
		cfg.Upstream.DefaultEndpoint = "https://api.openai.com"
	}
	if strings.TrimSpace(cfg.Upstream.DefaultTokenizer) == "" {
		cfg.Upstream.DefaultTokenizer = "cl100k_base"
	}
	if strings.TrimSpace(cfg.Upstream.APIKeyEnv) == "" && strings.TrimSpace(cfg.Upstream.APIKey) == "" {
		cfg.Upstream.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Runs.DefaultTimeoutSec <= 0 {
		cfg.Runs.DefaultTimeoutSec = 540
	}
	if cfg.Runs.MaxParallelRuns <= 0 {
		cfg.Runs.MaxParallelRuns = 2
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "audit-api"
	}
	if cfg.Limits.QuickAuditRPM <= 0 {
		cfg.Limits.QuickAuditRPM = 6
	}
	if cfg.Limits.LoginRPM <= 0 {
		cfg.Limits.LoginRPM = 10
	}
}

// ResolveUpstreamKey returns the outbound API key, preferring the literal
// config value over the named environment variable.
func (cfg ServerConfig) ResolveUpstreamKey() string {
	if strings.TrimSpace(cfg.Upstream.APIKey) != "" {
		return cfg.Upstream.APIKey
	}
	return os.Getenv(cfg.Upstream.APIKeyEnv)
}
