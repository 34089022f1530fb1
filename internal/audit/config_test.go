package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigEmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tokenizer != "cl100k_base" {
		t.Fatalf("default tokenizer wrong: %q", cfg.Tokenizer)
	}
	if cfg.Thresholds != DefaultThresholds() {
		t.Fatalf("default thresholds wrong: %+v", cfg.Thresholds)
	}
	if cfg.Run.Retries != 2 || cfg.Run.TimeoutSec != 60 {
		t.Fatalf("default run policy wrong: %+v", cfg.Run)
	}
	if _, ok := cfg.Suites["full"]; !ok {
		t.Fatal("default suites missing 'full'")
	}
}

func TestLoadConfigParsesOverrides(t *testing.T) {
	path := writeTempConfig(t, `
endpoint:
  base_url: https://proxy.internal/v1
  model: gpt-4o-mini
  api_key_env: PROXY_KEY
tokenizer: o200k_base
decoding:
  temperature: 0
  max_tokens: 128
thresholds:
  fingerprint_avg_diff_pct: 1.5
  perturb_top1_change_pct: 10
  arithmetic_acc: 0.95
  json_valid_rate: 0.95
  style_fixed_prefix_rate: 0.1
  style_format_violation_rate: 0.05
run:
  parallel: 4
  rate_limit_sleep: 0.5
  retries: 3
  timeout_sec: 30
suites:
  smoke: [fingerprint]
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Endpoint.BaseURL != "https://proxy.internal/v1" {
		t.Fatalf("base url wrong: %q", cfg.Endpoint.BaseURL)
	}
	if cfg.Tokenizer != "o200k_base" {
		t.Fatalf("tokenizer wrong: %q", cfg.Tokenizer)
	}
	if cfg.Thresholds.FingerprintAvgDiffPct != 1.5 {
		t.Fatalf("threshold wrong: %g", cfg.Thresholds.FingerprintAvgDiffPct)
	}
	p := cfg.Policy()
	if p.Parallel != 4 || p.Retries != 3 {
		t.Fatalf("policy wrong: %+v", p)
	}
	if p.RateLimitSleep != 500*time.Millisecond {
		t.Fatalf("rate limit sleep wrong: %v", p.RateLimitSleep)
	}
	if p.Timeout != 30*time.Second {
		t.Fatalf("timeout wrong: %v", p.Timeout)
	}
	// Custom suites merge with the built-in ones.
	if _, err := cfg.Suite("smoke"); err != nil {
		t.Fatalf("custom suite missing: %v", err)
	}
	if _, err := cfg.Suite("full"); err != nil {
		t.Fatalf("built-in suite lost after merge: %v", err)
	}
}

func TestLoadConfigRejectsMissingEndpoint(t *testing.T) {
	path := writeTempConfig(t, "tokenizer: cl100k_base\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for missing endpoint")
	}
}

func TestLoadConfigRejectsBadThreshold(t *testing.T) {
	path := writeTempConfig(t, `
endpoint:
  base_url: https://x/v1
  model: m
thresholds:
  fingerprint_avg_diff_pct: 2
  perturb_top1_change_pct: 20
  arithmetic_acc: 1.7
  json_valid_rate: 0.9
  style_fixed_prefix_rate: 0.2
  style_format_violation_rate: 0.1
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for arithmetic_acc > 1")
	}
}

func TestLoadConfigRejectsBadPrefixPattern(t *testing.T) {
	path := writeTempConfig(t, `
endpoint:
  base_url: https://x/v1
  model: m
style:
  prefix_patterns: ["(unclosed"]
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for bad regex")
	}
}

func TestSuiteResolution(t *testing.T) {
	cfg := DefaultConfig()
	detectors, err := cfg.Suite("all")
	if err != nil {
		t.Fatalf("suite all: %v", err)
	}
	if len(detectors) != len(DefaultDetectorOrder()) {
		t.Fatalf("'all' should map to the full order, got %v", detectors)
	}
	if _, err := cfg.Suite("missing"); err == nil {
		t.Fatal("expected error for unknown suite")
	}
}

func TestResolveAPIKeyPrecedence(t *testing.T) {
	t.Setenv("AUDIT_TEST_KEY", "from-env")
	t.Setenv("OPENAI_API_KEY", "fallback")

	cfg := DefaultConfig()
	cfg.Endpoint.APIKey = "literal"
	cfg.Endpoint.APIKeyEnv = "AUDIT_TEST_KEY"
	if got := cfg.ResolveAPIKey(); got != "literal" {
		t.Fatalf("literal key must win, got %q", got)
	}
	cfg.Endpoint.APIKey = ""
	if got := cfg.ResolveAPIKey(); got != "from-env" {
		t.Fatalf("named env must win over fallback, got %q", got)
	}
	cfg.Endpoint.APIKeyEnv = ""
	if got := cfg.ResolveAPIKey(); got != "fallback" {
		t.Fatalf("expected OPENAI_API_KEY fallback, got %q", got)
	}
}
