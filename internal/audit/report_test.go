package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func sampleReport() RunReport {
	report := RunReport{
		GeneratedAt: "2026-08-25T12:00:00Z",
		Endpoint:    "https://proxy.internal/v1",
		Model:       "gpt-4o-mini",
		Suite:       "full",
		Tokenizer:   "cl100k_base",
		Decoding:    DecodingParams{Temperature: 0, TopP: 1, MaxTokens: 256},
		Results: []DetectorResult{
			{Name: "fingerprint", Status: StatusCompleted, Passed: true, Metrics: map[string]float64{"avg_diff_pct": 0.4}, DurationMS: 1200},
			{Name: "style_bias", Status: StatusCompleted, Passed: false, Notes: "format violations: one_word", Metrics: map[string]float64{"format_violation_rate": 0.33}, DurationMS: 900},
			{Name: "perturbation", Status: StatusErrored, Error: "all 16 perturbation requests failed", DurationMS: 300},
		},
		Passed:  1,
		Failed:  1,
		Errored: 1,
	}
	return report
}

func TestRenderTextIncludesVerdictsAndTotals(t *testing.T) {
	text := RenderText(sampleReport())
	for _, want := range []string{
		"[PASS] fingerprint",
		"[FAIL] style_bias",
		"[ERROR] perturbation",
		"notes: format violations: one_word",
		"error: all 16 perturbation requests failed",
		"Totals: pass=1 fail=1 error=1 all_passed=false",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("text output missing %q:\n%s", want, text)
		}
	}
}

func TestRenderMarkdownStructure(t *testing.T) {
	md := RenderMarkdown(sampleReport())
	for _, want := range []string{
		"# Endpoint Audit Report",
		"| Model | gpt-4o-mini |",
		"## fingerprint: PASS",
		"## style_bias: FAIL",
		"## perturbation: ERROR",
		"| avg_diff_pct | 0.4 |",
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("markdown missing %q", want)
		}
	}
}

func TestReportJSONRoundTrip(t *testing.T) {
	report := sampleReport()
	path := filepath.Join(t.TempDir(), "report.json")
	if err := WriteReport(path, report); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := ReadReport(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if loaded.Model != report.Model || len(loaded.Results) != len(report.Results) {
		t.Fatalf("round trip lost data: %+v", loaded)
	}
	result, ok := ResultByName(loaded, "fingerprint")
	if !ok || result.Metrics["avg_diff_pct"] != 0.4 {
		t.Fatalf("metrics lost in round trip: %+v", result)
	}
}

func TestWriteReportFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out", "nested")
	if err := WriteReportFiles(dir, sampleReport()); err != nil {
		t.Fatalf("write files: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "report.json"))
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	var decoded RunReport
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "report.md")); err != nil {
		t.Fatalf("markdown file missing: %v", err)
	}
}

func TestReadReportRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadReport(path); err == nil {
		t.Fatal("expected parse error")
	}
}
