package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML-loaded audit definition: one endpoint, one model,
// one decoding profile, named suites, and the run policy. CLI flags only
// select a suite and output options; everything else lives here so audits
// are reproducible from the file alone.
type Config struct {
	Endpoint   EndpointConfig      `json:"endpoint" yaml:"endpoint"`
	Tokenizer  string              `json:"tokenizer" yaml:"tokenizer"`
	Decoding   DecodingParams      `json:"decoding" yaml:"decoding"`
	Suites     map[string][]string `json:"suites" yaml:"suites"`
	Thresholds Thresholds          `json:"thresholds" yaml:"thresholds"`
	Run        RunConfig           `json:"run" yaml:"run"`
	Style      StyleConfig         `json:"style" yaml:"style"`
}

type EndpointConfig struct {
	BaseURL      string `json:"base_url" yaml:"base_url"`
	APIKey       string `json:"api_key" yaml:"api_key"`
	APIKeyEnv    string `json:"api_key_env" yaml:"api_key_env"`
	Organization string `json:"organization" yaml:"organization"`
	Model        string `json:"model" yaml:"model"`
}

// RunConfig mirrors Policy with YAML-friendly scalar types.
type RunConfig struct {
	Parallel        int     `json:"parallel" yaml:"parallel"`
	RateLimitSleep  float64 `json:"rate_limit_sleep" yaml:"rate_limit_sleep"`
	Retries         int     `json:"retries" yaml:"retries"`
	TimeoutSec      int     `json:"timeout_sec" yaml:"timeout_sec"`
	BackoffBaseSec  float64 `json:"backoff_base_sec" yaml:"backoff_base_sec"`
	BackoffMaxSec   float64 `json:"backoff_max_sec" yaml:"backoff_max_sec"`
	ArithmeticCases int     `json:"arithmetic_cases" yaml:"arithmetic_cases"`
}

type StyleConfig struct {
	PrefixPatterns []string `json:"prefix_patterns" yaml:"prefix_patterns"`
}

func DefaultConfig() Config {
	return Config{
		Tokenizer:  "cl100k_base",
		Decoding:   DecodingParams{Temperature: 0, TopP: 1, MaxTokens: 256},
		Suites:     DefaultSuites(),
		Thresholds: DefaultThresholds(),
		Run: RunConfig{
			Parallel:       1,
			RateLimitSleep: 0.2,
			Retries:        2,
			TimeoutSec:     60,
			BackoffBaseSec: 1,
			BackoffMaxSec:  16,
		},
		Style: StyleConfig{PrefixPatterns: DefaultPrefixPatterns()},
	}
}

// DefaultSuites names the built-in detector groupings. "quick" skips the
// request-heavy batteries, "quantization" targets precision loss, "full"
// runs everything.
func DefaultSuites() map[string][]string {
	return map[string][]string{
		"quick":        {"fingerprint", "style_bias"},
		"quantization": {"perturbation", "arithmetic_json"},
		"full":         DefaultDetectorOrder(),
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml config: %w", err)
	}
	normalizeAuditConfig(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalizeAuditConfig(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Tokenizer) == "" {
		cfg.Tokenizer = "cl100k_base"
	}
	if cfg.Decoding.MaxTokens <= 0 {
		cfg.Decoding.MaxTokens = 256
	}
	if cfg.Decoding.TopP <= 0 {
		cfg.Decoding.TopP = 1
	}
	if len(cfg.Suites) == 0 {
		cfg.Suites = DefaultSuites()
	} else {
		defaults := DefaultSuites()
		for name, detectors := range defaults {
			if _, ok := cfg.Suites[name]; !ok {
				cfg.Suites[name] = detectors
			}
		}
	}
	if cfg.Run.Parallel <= 0 {
		cfg.Run.Parallel = 1
	}
	if cfg.Run.RateLimitSleep < 0 {
		cfg.Run.RateLimitSleep = 0.2
	}
	if cfg.Run.Retries < 0 {
		cfg.Run.Retries = 2
	}
	if cfg.Run.TimeoutSec <= 0 {
		cfg.Run.TimeoutSec = 60
	}
	if cfg.Run.BackoffBaseSec <= 0 {
		cfg.Run.BackoffBaseSec = 1
	}
	if cfg.Run.BackoffMaxSec < cfg.Run.BackoffBaseSec {
		cfg.Run.BackoffMaxSec = 16
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if len(cfg.Style.PrefixPatterns) == 0 {
		cfg.Style.PrefixPatterns = DefaultPrefixPatterns()
	}
}

// Validate rejects configurations the runner cannot act on. Threshold
// rates must be in [0,1]; percentage thresholds must be non-negative.
func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.Endpoint.BaseURL) == "" {
		return fmt.Errorf("endpoint.base_url is required")
	}
	if strings.TrimSpace(cfg.Endpoint.Model) == "" {
		return fmt.Errorf("endpoint.model is required")
	}
	if cfg.Thresholds.FingerprintAvgDiffPct < 0 {
		return fmt.Errorf("thresholds.fingerprint_avg_diff_pct must be >= 0")
	}
	if cfg.Thresholds.PerturbTop1ChangePct < 0 || cfg.Thresholds.PerturbTop1ChangePct > 100 {
		return fmt.Errorf("thresholds.perturb_top1_change_pct must be in [0,100]")
	}
	for name, v := range map[string]float64{
		"arithmetic_acc":              cfg.Thresholds.ArithmeticAcc,
		"json_valid_rate":             cfg.Thresholds.JSONValidRate,
		"style_fixed_prefix_rate":     cfg.Thresholds.StyleFixedPrefixRate,
		"style_format_violation_rate": cfg.Thresholds.StyleFormatViolationRate,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("thresholds.%s must be in [0,1]", name)
		}
	}
	for suite, detectors := range cfg.Suites {
		if len(detectors) == 0 {
			return fmt.Errorf("suite %q lists no detectors", suite)
		}
	}
	for _, expr := range cfg.Style.PrefixPatterns {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("style.prefix_patterns: bad pattern %q: %w", expr, err)
		}
	}
	return nil
}

// ResolveAPIKey prefers the literal key, then the named environment
// variable, then OPENAI_API_KEY.
func (cfg Config) ResolveAPIKey() string {
	if cfg.Endpoint.APIKey != "" {
		return cfg.Endpoint.APIKey
	}
	if cfg.Endpoint.APIKeyEnv != "" {
		if v := os.Getenv(cfg.Endpoint.APIKeyEnv); v != "" {
			return v
		}
	}
	return os.Getenv("OPENAI_API_KEY")
}

// Suite resolves a suite name to its detector list. The literal name
// "all" always maps to the full default order.
func (cfg Config) Suite(name string) ([]string, error) {
	if name == "all" {
		return DefaultDetectorOrder(), nil
	}
	detectors, ok := cfg.Suites[name]
	if !ok {
		names := make([]string, 0, len(cfg.Suites))
		for n := range cfg.Suites {
			names = append(names, n)
		}
		return nil, fmt.Errorf("unknown suite %q (configured: %v)", name, names)
	}
	return detectors, nil
}

// Policy converts the YAML run block to the runtime policy.
func (cfg Config) Policy() Policy {
	return Policy{
		Parallel:       cfg.Run.Parallel,
		RateLimitSleep: time.Duration(cfg.Run.RateLimitSleep * float64(time.Second)),
		Retries:        cfg.Run.Retries,
		Timeout:        time.Duration(cfg.Run.TimeoutSec) * time.Second,
		BackoffBase:    time.Duration(cfg.Run.BackoffBaseSec * float64(time.Second)),
		BackoffMax:     time.Duration(cfg.Run.BackoffMaxSec * float64(time.Second)),
	}
}

// CompiledPrefixPatterns compiles the configured style prefixes. Call
// Validate first; compile errors here panic.
func (cfg Config) CompiledPrefixPatterns() []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(cfg.Style.PrefixPatterns))
	for _, expr := range cfg.Style.PrefixPatterns {
		patterns = append(patterns, regexp.MustCompile(expr))
	}
	return patterns
}
