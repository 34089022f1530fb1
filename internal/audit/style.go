package audit

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"llm-audit/internal/openai"
)

// StyleBiasDetector counts stock-preamble openings ("Sure, ...",
// "As an AI ...") and format-instruction violations across a set of
// format-constrained prompts. A proxy layer that rewrites prompts or
// injects its own system preamble shifts both rates even when the
// underlying model is genuine.
type StyleBiasDetector struct{}

func (StyleBiasDetector) Name() string {
	return "style_bias"
}

func (d StyleBiasDetector) Run(ctx context.Context, deps Deps) DetectorResult {
	patterns := deps.PrefixPatterns
	if len(patterns) == 0 {
		patterns = compileDefaultPrefixPatterns()
	}
	cases := StyleCases()

	completions := make([]string, len(cases))
	failures := make([]error, len(cases))
	dispatchErr := deps.Policy.Dispatch(ctx, len(cases), func(ctx context.Context, i int) {
		messages := []openai.ChatMessage{{Role: "user", Content: cases[i].Prompt}}
		completion, err := deps.Policy.Do(ctx, deps.Sender, messages, deps.Decoding)
		if err != nil {
			failures[i] = err
			return
		}
		completions[i] = completion.Content
	})
	// Cancellation leaves unissued slots empty; scoring them would count
	// phantom format violations.
	if dispatchErr != nil {
		return erroredResult(d.Name(), fmt.Errorf("style probes canceled: %w", dispatchErr))
	}

	failedRequests := 0
	for _, err := range failures {
		if err != nil {
			failedRequests++
		}
	}
	if failedRequests == len(cases) {
		return erroredResult(d.Name(), fmt.Errorf("all %d style requests failed: %w", failedRequests, firstError(failures)))
	}

	prefixHits := 0
	formatViolations := 0
	scored := 0
	var violatedLabels []string
	for i, c := range cases {
		if failures[i] != nil {
			continue
		}
		scored++
		trimmed := strings.TrimSpace(completions[i])
		for _, pattern := range patterns {
			if pattern.MatchString(trimmed) {
				prefixHits++
				break
			}
		}
		if !c.Validate(completions[i]) {
			formatViolations++
			violatedLabels = append(violatedLabels, c.Label)
		}
	}

	prefixRate := float64(prefixHits) / float64(scored)
	violationRate := float64(formatViolations) / float64(scored)

	metrics := map[string]float64{
		"cases":                    float64(scored),
		"failed_requests":          float64(failedRequests),
		"fixed_prefix_hits":        float64(prefixHits),
		"fixed_prefix_rate":        round2(prefixRate),
		"format_violations":        float64(formatViolations),
		"format_violation_rate":    round2(violationRate),
		"threshold_prefix_rate":    deps.Thresholds.StyleFixedPrefixRate,
		"threshold_violation_rate": deps.Thresholds.StyleFormatViolationRate,
	}

	result := DetectorResult{
		Name:   d.Name(),
		Status: StatusCompleted,
		Passed: prefixRate <= deps.Thresholds.StyleFixedPrefixRate &&
			violationRate <= deps.Thresholds.StyleFormatViolationRate,
		Metrics: metrics,
	}
	if len(violatedLabels) > 0 {
		result.Notes = "format violations: " + strings.Join(violatedLabels, ", ")
	}
	if failedRequests > 0 {
		result.Notes = appendNote(result.Notes, fmt.Sprintf("%d of %d requests failed after retries", failedRequests, len(cases)))
	}
	return result
}

func compileDefaultPrefixPatterns() []*regexp.Regexp {
	raw := DefaultPrefixPatterns()
	patterns := make([]*regexp.Regexp, 0, len(raw))
	for _, expr := range raw {
		patterns = append(patterns, regexp.MustCompile(expr))
	}
	return patterns
}
