package audit

import (
	"context"
	"regexp"
)

// TokenCounter is the narrow view of the reference tokenizer detectors
// consume. The Runner loads the vocabulary once per run; detectors borrow
// the handle and never close it.
type TokenCounter interface {
	CountTokens(text string) int
	Encode(text string) []int
}

// Deps carries the borrowed collaborator handles and the read-only run
// parameters into a detector invocation.
type Deps struct {
	Sender         Sender
	Tokenizer      TokenCounter
	Decoding       DecodingParams
	Thresholds     Thresholds
	Policy         Policy
	PrefixPatterns []*regexp.Regexp
}

// Detector is one independent statistical probe. Run must never panic and
// must always return a result: logical failures and protocol mismatches
// resolve into Status completed with Passed=false, infrastructure failures
// into Status errored. New probe types register an additional Detector;
// the Runner is never modified for them.
type Detector interface {
	Name() string
	Run(ctx context.Context, deps Deps) DetectorResult
}

func AvailableDetectors() []Detector {
	return []Detector{
		FingerprintDetector{},
		PerturbationDetector{},
		ArithmeticJSONDetector{},
		StyleBiasDetector{},
	}
}

func DefaultDetectorOrder() []string {
	return []string{"fingerprint", "perturbation", "arithmetic_json", "style_bias"}
}

func erroredResult(name string, err error) DetectorResult {
	return DetectorResult{
		Name:    name,
		Status:  StatusErrored,
		Passed:  false,
		Metrics: map[string]float64{},
		Error:   err.Error(),
	}
}

func completedFail(name, notes string, metrics map[string]float64) DetectorResult {
	if metrics == nil {
		metrics = map[string]float64{}
	}
	return DetectorResult{
		Name:    name,
		Status:  StatusCompleted,
		Passed:  false,
		Metrics: metrics,
		Notes:   notes,
	}
}
