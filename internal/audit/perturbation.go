package audit

import (
	"context"
	"fmt"

	"llm-audit/internal/openai"
)

// PerturbationDetector measures completion sensitivity to semantically
// inert prompt edits. Under temperature 0 a faithfully served model should
// produce near-identical completions for a prompt and its trailing-space,
// trailing-newline, and synonym-swap variants; coarse quantization and
// sloppy sampling kernels show up as first-token churn.
//
// Providers never guarantee strict determinism (batching jitter, MoE
// routing, hardware nondeterminism), so the verdict is a configured
// statistical threshold, not an equality assertion.
type PerturbationDetector struct{}

func (PerturbationDetector) Name() string {
	return "perturbation"
}

func (d PerturbationDetector) Run(ctx context.Context, deps Deps) DetectorResult {
	bases := PerturbationBasePrompts()

	// Flatten baseline+variant prompts into one dispatch so the
	// concurrency bound covers the whole probe set. Index layout:
	// for base i, slot i*(v+1) is the baseline and the following v
	// slots are its variants.
	variantCount := len(PerturbationVariants(bases[0]))
	stride := variantCount + 1
	prompts := make([]string, 0, len(bases)*stride)
	for _, base := range bases {
		prompts = append(prompts, base)
		prompts = append(prompts, PerturbationVariants(base)...)
	}

	completions := make([]string, len(prompts))
	failures := make([]error, len(prompts))
	dispatchErr := deps.Policy.Dispatch(ctx, len(prompts), func(ctx context.Context, i int) {
		messages := []openai.ChatMessage{{Role: "user", Content: prompts[i]}}
		completion, err := deps.Policy.Do(ctx, deps.Sender, messages, deps.Decoding)
		if err != nil {
			failures[i] = err
			return
		}
		completions[i] = completion.Content
	})
	// Cancellation leaves unissued slots with no data; they must never be
	// scored as stable pairs.
	if dispatchErr != nil {
		return erroredResult(d.Name(), fmt.Errorf("perturbation probes canceled: %w", dispatchErr))
	}

	top1Changes := 0
	totalPairs := 0
	hammingSum := 0
	failedRequests := 0
	for _, err := range failures {
		if err != nil {
			failedRequests++
		}
	}

	for baseIdx := range bases {
		baseSlot := baseIdx * stride
		if failures[baseSlot] != nil {
			continue
		}
		baseTokens := deps.Tokenizer.Encode(completions[baseSlot])
		for v := 1; v <= variantCount; v++ {
			slot := baseSlot + v
			if failures[slot] != nil {
				continue
			}
			variantTokens := deps.Tokenizer.Encode(completions[slot])
			totalPairs++
			switch {
			case len(baseTokens) == 0 && len(variantTokens) == 0:
				// Two empty completions are identical, not churn.
			case len(baseTokens) == 0 || len(variantTokens) == 0:
				// One side went empty: that is a behavioral change.
				top1Changes++
				hammingSum += HammingAtK(baseTokens, variantTokens, 10)
			default:
				if baseTokens[0] != variantTokens[0] {
					top1Changes++
				}
				hammingSum += HammingAtK(baseTokens, variantTokens, 10)
			}
		}
	}

	metrics := map[string]float64{
		"pairs":           float64(totalPairs),
		"failed_requests": float64(failedRequests),
		"success_rate":    round2(float64(len(prompts)-failedRequests) / float64(len(prompts))),
		"threshold":       deps.Thresholds.PerturbTop1ChangePct,
	}

	if failedRequests == len(prompts) {
		return erroredResult(d.Name(), fmt.Errorf("all %d perturbation requests failed: %w", failedRequests, firstError(failures)))
	}
	if totalPairs == 0 {
		return completedFail(d.Name(), fmt.Sprintf("no comparable baseline/variant pairs (%d requests failed)", failedRequests), metrics)
	}

	top1ChangePct := float64(top1Changes) / float64(totalPairs) * 100
	metrics["top1_change_pct"] = round2(top1ChangePct)
	metrics["avg_hamming_at_10"] = round2(float64(hammingSum) / float64(totalPairs))

	result := DetectorResult{
		Name:    d.Name(),
		Status:  StatusCompleted,
		Passed:  top1ChangePct <= deps.Thresholds.PerturbTop1ChangePct,
		Metrics: metrics,
	}
	if failedRequests > 0 {
		result.Notes = fmt.Sprintf("%d of %d requests failed after retries", failedRequests, len(prompts))
	}
	if deps.Decoding.Temperature != 0 {
		result.Notes = appendNote(result.Notes, fmt.Sprintf("temperature=%g: stability signal is unreliable above 0", deps.Decoding.Temperature))
	}
	return result
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("no responses received")
}
