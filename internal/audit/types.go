package audit

type Status string

const (
	// StatusCompleted means the detector ran to the end and produced a
	// verdict; Passed distinguishes logical pass from logical fail.
	StatusCompleted Status = "completed"
	// StatusErrored is reserved for infrastructure failures: the detector
	// could not obtain enough responses to render any verdict.
	StatusErrored Status = "errored"
)

// DetectorResult is the normalized outcome of one detector invocation.
// It is immutable once returned from Detector.Run.
type DetectorResult struct {
	Name       string             `json:"name"`
	Status     Status             `json:"status"`
	Passed     bool               `json:"passed"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Notes      string             `json:"notes,omitempty"`
	Error      string             `json:"error,omitempty"`
	DurationMS int64              `json:"duration_ms"`
}

// DecodingParams are passed unchanged to every request in a run.
// The perturbation detector only yields a meaningful signal at
// Temperature == 0; that precondition is documented, not enforced.
type DecodingParams struct {
	Temperature float64 `json:"temperature" yaml:"temperature"`
	TopP        float64 `json:"top_p" yaml:"top_p"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	Seed        *int    `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// Thresholds holds every configured pass/fail bound. Loaded once from
// configuration and read-only during a run.
type Thresholds struct {
	FingerprintAvgDiffPct    float64 `json:"fingerprint_avg_diff_pct" yaml:"fingerprint_avg_diff_pct"`
	PerturbTop1ChangePct     float64 `json:"perturb_top1_change_pct" yaml:"perturb_top1_change_pct"`
	ArithmeticAcc            float64 `json:"arithmetic_acc" yaml:"arithmetic_acc"`
	JSONValidRate            float64 `json:"json_valid_rate" yaml:"json_valid_rate"`
	StyleFixedPrefixRate     float64 `json:"style_fixed_prefix_rate" yaml:"style_fixed_prefix_rate"`
	StyleFormatViolationRate float64 `json:"style_format_violation_rate" yaml:"style_format_violation_rate"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		FingerprintAvgDiffPct:    2.0,
		PerturbTop1ChangePct:     20.0,
		ArithmeticAcc:            0.9,
		JSONValidRate:            0.9,
		StyleFixedPrefixRate:     0.2,
		StyleFormatViolationRate: 0.1,
	}
}

// RunReport is the sole structured artifact crossing the system boundary.
// Results appear in suite-declaration order, one entry per requested
// detector, regardless of individual outcomes.
type RunReport struct {
	GeneratedAt string           `json:"generated_at"`
	Endpoint    string           `json:"endpoint"`
	Model       string           `json:"model"`
	Suite       string           `json:"suite"`
	Tokenizer   string           `json:"tokenizer,omitempty"`
	Decoding    DecodingParams   `json:"decoding"`
	Results     []DetectorResult `json:"results"`
	Passed      int              `json:"passed"`
	Failed      int              `json:"failed"`
	Errored     int              `json:"errored"`
	AllPassed   bool             `json:"all_passed"`
}

func ResultByName(report RunReport, name string) (DetectorResult, bool) {
	for _, item := range report.Results {
		if item.Name == name {
			return item, true
		}
	}
	return DetectorResult{}, false
}
