package audit

import (
	"context"
	"fmt"

	"llm-audit/internal/openai"
)

// FingerprintDetector cross-checks the provider-reported prompt-token count
// against the local reference tokenizer over a battery of adversarial
// strings. A systematic deviation means the endpoint is tokenizing with a
// different vocabulary than the claimed model family.
type FingerprintDetector struct{}

func (FingerprintDetector) Name() string {
	return "fingerprint"
}

type fingerprintSample struct {
	localCount int
	apiCount   *int
	err        error
}

func (d FingerprintDetector) Run(ctx context.Context, deps Deps) DetectorResult {
	fixtures := FingerprintStrings()
	prompts := make([]string, len(fixtures))
	samples := make([]fingerprintSample, len(fixtures))
	for i, fixture := range fixtures {
		prompts[i] = FingerprintPrompt(fixture)
		samples[i].localCount = deps.Tokenizer.CountTokens(prompts[i])
	}

	params := deps.Decoding
	// The probe only needs usage metadata; keep the completion minimal.
	if params.MaxTokens <= 0 || params.MaxTokens > 16 {
		params.MaxTokens = 1
	}

	dispatchErr := deps.Policy.Dispatch(ctx, len(prompts), func(ctx context.Context, i int) {
		messages := []openai.ChatMessage{{Role: "user", Content: prompts[i]}}
		completion, err := deps.Policy.Do(ctx, deps.Sender, messages, params)
		if err != nil {
			samples[i].err = err
			return
		}
		samples[i].apiCount = completion.PromptTokens
	})
	// Cancellation leaves unissued samples with no data; they must never
	// feed the average.
	if dispatchErr != nil {
		return erroredResult(d.Name(), fmt.Errorf("fingerprint probes canceled: %w", dispatchErr))
	}

	var diffs []float64
	maxDiff := 0.0
	noUsage := 0
	requestFailures := 0
	zeroLocal := 0
	for _, sample := range samples {
		switch {
		case sample.err != nil:
			requestFailures++
		case sample.apiCount == nil:
			noUsage++
		case sample.localCount == 0:
			// percentage diff is undefined; exclude rather than divide by zero
			zeroLocal++
		default:
			diff := PctDiff(sample.localCount, *sample.apiCount)
			diffs = append(diffs, diff)
			if diff > maxDiff {
				maxDiff = diff
			}
		}
	}

	metrics := map[string]float64{
		"samples":          float64(len(diffs)),
		"failed_requests":  float64(requestFailures),
		"no_usage_samples": float64(noUsage),
		"usable_rate":      round2(float64(len(diffs)) / float64(len(prompts))),
		"threshold":        deps.Thresholds.FingerprintAvgDiffPct,
	}

	if requestFailures == len(prompts) {
		return erroredResult(d.Name(), fmt.Errorf("all %d fingerprint requests failed: %w", requestFailures, firstSampleError(samples)))
	}

	// A provider that never reports usage is expected variance, not an
	// infrastructure error: fail with an explanation instead of raising.
	if len(diffs) == 0 {
		notes := fmt.Sprintf("provider did not report prompt token usage on any of %d samples; tokenizer cannot be verified", len(prompts))
		if requestFailures > 0 {
			notes += fmt.Sprintf(" (%d requests failed)", requestFailures)
		}
		return completedFail(d.Name(), notes, metrics)
	}

	if len(diffs) < 2 {
		metrics["avg_diff_pct"] = round2(diffs[0])
		metrics["max_diff_pct"] = round2(maxDiff)
		return completedFail(d.Name(), "fewer than 2 usable samples; refusing to average a single measurement", metrics)
	}

	sum := 0.0
	for _, diff := range diffs {
		sum += diff
	}
	avgDiff := sum / float64(len(diffs))
	metrics["avg_diff_pct"] = round2(avgDiff)
	metrics["max_diff_pct"] = round2(maxDiff)

	result := DetectorResult{
		Name:    d.Name(),
		Status:  StatusCompleted,
		Passed:  avgDiff <= deps.Thresholds.FingerprintAvgDiffPct,
		Metrics: metrics,
	}
	if requestFailures > 0 {
		result.Notes = fmt.Sprintf("%d of %d requests failed after retries", requestFailures, len(prompts))
	}
	if zeroLocal > 0 {
		result.Notes = appendNote(result.Notes, fmt.Sprintf("%d samples excluded: zero local token count", zeroLocal))
	}
	return result
}

func firstSampleError(samples []fingerprintSample) error {
	for _, sample := range samples {
		if sample.err != nil {
			return sample.err
		}
	}
	return fmt.Errorf("no responses received")
}

func appendNote(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "; " + note
}
