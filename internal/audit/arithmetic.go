package audit

import (
	"context"
	"fmt"

	"llm-audit/internal/openai"
)

// ArithmeticJSONDetector scores two cheap capability signals in one pass:
// accuracy on seeded multi-digit multiplication and syntactic validity of
// JSON-constrained completions. Heavy quantization and silent model
// substitution both degrade these before they show up anywhere else.
type ArithmeticJSONDetector struct {
	// Cases overrides the seeded default problem count when > 0.
	Cases int
}

func (ArithmeticJSONDetector) Name() string {
	return "arithmetic_json"
}

const (
	defaultArithmeticCases = 20
	arithmeticSeed         = 1234
)

func (d ArithmeticJSONDetector) Run(ctx context.Context, deps Deps) DetectorResult {
	n := d.Cases
	if n <= 0 {
		n = defaultArithmeticCases
	}
	arithCases := ArithmeticCases(n, arithmeticSeed)
	jsonCases := JSONCases()

	prompts := make([]string, 0, len(arithCases)+len(jsonCases))
	for _, c := range arithCases {
		prompts = append(prompts, c.Prompt)
	}
	for _, c := range jsonCases {
		prompts = append(prompts, c.Prompt)
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
	// Cancellation leaves unissued slots empty; scoring them would count
	// phantom wrong answers.
	if dispatchErr != nil {
		return erroredResult(d.Name(), fmt.Errorf("arithmetic/json probes canceled: %w", dispatchErr))
	}

	failedRequests := 0
	for _, err := range failures {
		if err != nil {
			failedRequests++
		}
	}
	if failedRequests == len(prompts) {
		return erroredResult(d.Name(), fmt.Errorf("all %d arithmetic/json requests failed: %w", failedRequests, firstError(failures)))
	}

	// Failed requests score as incorrect, not as excluded: the endpoint was
	// given its retries and still produced nothing usable.
	correct := 0
	for i, c := range arithCases {
		if failures[i] == nil && AnswerMatches(completions[i], c.Expected) {
			correct++
		}
	}
	jsonValid := 0
	for j, c := range jsonCases {
		i := len(arithCases) + j
		if failures[i] != nil {
			continue
		}
		if c.WantObject {
			if JSONObjectValid(completions[i]) {
				jsonValid++
			}
		} else if JSONValid(completions[i]) {
			jsonValid++
		}
	}

	accuracy := float64(correct) / float64(len(arithCases))
	validRate := float64(jsonValid) / float64(len(jsonCases))

	metrics := map[string]float64{
		"arithmetic_cases":     float64(len(arithCases)),
		"arithmetic_correct":   float64(correct),
		"arithmetic_acc":       round2(accuracy),
		"json_cases":           float64(len(jsonCases)),
		"json_valid":           float64(jsonValid),
		"json_valid_rate":      round2(validRate),
		"failed_requests":      float64(failedRequests),
		"threshold_acc":        deps.Thresholds.ArithmeticAcc,
		"threshold_valid_rate": deps.Thresholds.JSONValidRate,
	}

	result := DetectorResult{
		Name:    d.Name(),
		Status:  StatusCompleted,
		Passed:  accuracy >= deps.Thresholds.ArithmeticAcc && validRate >= deps.Thresholds.JSONValidRate,
		Metrics: metrics,
	}
	if failedRequests > 0 {
		result.Notes = fmt.Sprintf("%d of %d requests failed after retries and were scored as incorrect", failedRequests, len(prompts))
	}
	return result
}
