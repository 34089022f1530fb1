package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RenderJSON serializes the report with stable two-space indentation.
func RenderJSON(report RunReport) ([]byte, error) {
	return json.MarshalIndent(report, "", "  ")
}

// RenderText produces the terminal summary: one block per detector in
// run order, then the totals line.
func RenderText(report RunReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Endpoint: %s\n", report.Endpoint)
	fmt.Fprintf(&b, "Model: %s\n", report.Model)
	fmt.Fprintf(&b, "Suite: %s\n", report.Suite)
	if report.Tokenizer != "" {
		fmt.Fprintf(&b, "Tokenizer: %s\n", report.Tokenizer)
	}
	fmt.Fprintf(&b, "Generated: %s\n\n", report.GeneratedAt)

	for _, result := range report.Results {
		fmt.Fprintf(&b, "[%s] %s (%dms)\n", verdictLabel(result), result.Name, result.DurationMS)
		if result.Error != "" {
			fmt.Fprintf(&b, "  error: %s\n", result.Error)
		}
		if result.Notes != "" {
			fmt.Fprintf(&b, "  notes: %s\n", result.Notes)
		}
		for _, key := range sortedMetricKeys(result.Metrics) {
			fmt.Fprintf(&b, "  %s: %g\n", key, result.Metrics[key])
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Totals: pass=%d fail=%d error=%d all_passed=%t\n",
		report.Passed, report.Failed, report.Errored, report.AllPassed)
	return b.String()
}

// RenderMarkdown produces the shareable report: header table, one section
// per detector with a metrics table.
func RenderMarkdown(report RunReport) string {
	var b strings.Builder
	b.WriteString("# Endpoint Audit Report\n\n")
	fmt.Fprintf(&b, "| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Endpoint | %s |\n", report.Endpoint)
	fmt.Fprintf(&b, "| Model | %s |\n", report.Model)
	fmt.Fprintf(&b, "| Suite | %s |\n", report.Suite)
	if report.Tokenizer != "" {
		fmt.Fprintf(&b, "| Tokenizer | %s |\n", report.Tokenizer)
	}
	fmt.Fprintf(&b, "| Generated | %s |\n", report.GeneratedAt)
	fmt.Fprintf(&b, "| Verdict | pass=%d fail=%d error=%d |\n\n", report.Passed, report.Failed, report.Errored)

	for _, result := range report.Results {
		fmt.Fprintf(&b, "## %s: %s\n\n", result.Name, verdictLabel(result))
		if result.Error != "" {
			fmt.Fprintf(&b, "Error: `%s`\n\n", result.Error)
		}
		if result.Notes != "" {
			fmt.Fprintf(&b, "%s\n\n", result.Notes)
		}
		if len(result.Metrics) > 0 {
			b.WriteString("| Metric | Value |\n|---|---|\n")
			for _, key := range sortedMetricKeys(result.Metrics) {
				fmt.Fprintf(&b, "| %s | %g |\n", key, result.Metrics[key])
			}
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Duration: %dms\n\n", result.DurationMS)
	}
	return b.String()
}

func verdictLabel(result DetectorResult) string {
	switch {
	case result.Status == StatusErrored:
		return "ERROR"
	case result.Passed:
		return "PASS"
	default:
		return "FAIL"
	}
}

func sortedMetricKeys(metrics map[string]float64) []string {
	keys := make([]string, 0, len(metrics))
	for key := range metrics {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// WriteReportFiles writes report.json and report.md into dir, creating it
// if needed.
func WriteReportFiles(dir string, report RunReport) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	data, err := RenderJSON(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "report.json"), data, 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "report.md"), []byte(RenderMarkdown(report)), 0o644)
}

// ReadReport loads a previously written JSON report, e.g. as a drift
// baseline.
func ReadReport(path string) (RunReport, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return RunReport{}, err
	}
	var report RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return RunReport{}, fmt.Errorf("parse report %s: %w", path, err)
	}
	return report, nil
}

// WriteReport writes one report as indented JSON to path.
func WriteReport(path string, report RunReport) error {
	data, err := RenderJSON(report)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Clean(path), data, 0o644)
}
