package server

import "testing"

func TestScenarioToRunRequest(t *testing.T) {
	cfg := DefaultServerConfig()
	request, err := scenarioToRunRequest(QuickAuditRequest{
		ScenarioID:  "tokenizer-identity",
		TargetModel: "gpt-4o-mini",
	}, cfg)
	if err != nil {
		t.Fatalf("scenarioToRunRequest returned error: %v", err)
	}
	if request.Model != "gpt-4o-mini" {
		t.Fatalf("expected model to be set, got %q", request.Model)
	}
	if len(request.Detectors) != 2 {
		t.Fatalf("expected two detectors, got %v", request.Detectors)
	}
	if request.Endpoint != cfg.Upstream.DefaultEndpoint {
		t.Fatalf("expected default endpoint, got %s", request.Endpoint)
	}
	if request.Tokenizer != cfg.Upstream.DefaultTokenizer {
		t.Fatalf("expected default tokenizer, got %s", request.Tokenizer)
	}
}

func TestScenarioToRunRequestRejectUnknownScenario(t *testing.T) {
	cfg := DefaultServerConfig()
	_, err := scenarioToRunRequest(QuickAuditRequest{
		ScenarioID:  "unknown",
		TargetModel: "gpt-4o-mini",
	}, cfg)
	if err == nil {
		t.Fatalf("expected error for unsupported scenario")
	}
}

func TestScenarioToRunRequestRequiresModel(t *testing.T) {
	cfg := DefaultServerConfig()
	_, err := scenarioToRunRequest(QuickAuditRequest{
		ScenarioID: "full-integrity",
	}, cfg)
	if err == nil {
		t.Fatalf("expected error for missing target model")
	}
}

func TestIPRateLimiter(t *testing.T) {
	limiter := newIPRateLimiter(2)
	if !limiter.Allow("ip-a") || !limiter.Allow("ip-a") {
		t.Fatalf("first two requests should pass")
	}
	if limiter.Allow("ip-a") {
		t.Fatalf("third request within a minute should be blocked")
	}
	if !limiter.Allow("ip-b") {
		t.Fatalf("other clients are not affected")
	}
}

func TestBuildDryRunReport(t *testing.T) {
	report := buildDryRunReport(RunRequest{
		Endpoint:  "https://api.openai.com",
		Model:     "gpt-4o-mini",
		Suite:     "full",
		Detectors: []string{"fingerprint", "style_bias"},
	})
	if len(report.Results) != 2 {
		t.Fatalf("expected one result per detector, got %d", len(report.Results))
	}
	if !report.AllPassed || report.Passed != 2 {
		t.Fatalf("dry run should simulate a clean pass: %+v", report)
	}
	if runOverallStatus(report) != "pass" {
		t.Fatalf("expected pass status")
	}
}
