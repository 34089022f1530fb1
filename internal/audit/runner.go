package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Runner executes a suite of detectors against one endpoint and folds
// their results into a RunReport. Detector failures never abort the run;
// every requested detector gets exactly one result entry, in suite order.
type Runner struct {
	deps      Deps
	registry  map[string]Detector
	endpoint  string
	model     string
	tokenizer string
	logger    *slog.Logger
	now       func() time.Time
	observer  func(stage string, result DetectorResult)
}

type RunnerOption func(*Runner)

func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithObserver registers a callback invoked with stage "start" before each
// detector and "result" after it, e.g. for live progress streaming. The
// callback runs on the runner goroutine and must not block.
func WithObserver(fn func(stage string, result DetectorResult)) RunnerOption {
	return func(r *Runner) { r.observer = fn }
}

// WithDetector registers or replaces a detector under its own name.
func WithDetector(d Detector) RunnerOption {
	return func(r *Runner) { r.registry[d.Name()] = d }
}

func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner wires a runner with the built-in detector registry.
// endpoint and model are recorded in the report verbatim.
func NewRunner(endpoint, model string, deps Deps, opts ...RunnerOption) *Runner {
	r := &Runner{
		deps:     deps,
		registry: map[string]Detector{},
		endpoint: endpoint,
		model:    model,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, d := range AvailableDetectors() {
		r.registry[d.Name()] = d
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetTokenizerName records the reference tokenizer identity for the report
// header. It does not change which tokenizer detectors use.
func (r *Runner) SetTokenizerName(name string) {
	r.tokenizer = name
}

// DetectorNames returns the registered detector names sorted for display.
func (r *Runner) DetectorNames() []string {
	names := make([]string, 0, len(r.registry))
	for name := range r.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes the named detectors in the given order. An unknown name is
// a caller error and fails fast before any network traffic. Context
// cancellation marks the remaining detectors errored rather than dropping
// them from the report.
func (r *Runner) Run(ctx context.Context, suite string, names []string) (RunReport, error) {
	if len(names) == 0 {
		names = DefaultDetectorOrder()
	}
	detectors := make([]Detector, 0, len(names))
	for _, name := range names {
		d, ok := r.registry[name]
		if !ok {
			return RunReport{}, fmt.Errorf("unknown detector %q (registered: %v)", name, r.DetectorNames())
		}
		detectors = append(detectors, d)
	}

	report := RunReport{
		GeneratedAt: r.now().UTC().Format(time.RFC3339),
		Endpoint:    r.endpoint,
		Model:       r.model,
		Suite:       suite,
		Tokenizer:   r.tokenizer,
		Decoding:    r.deps.Decoding,
		Results:     make([]DetectorResult, 0, len(detectors)),
	}

	for _, d := range detectors {
		result := r.runOne(ctx, d)
		report.Results = append(report.Results, result)
		switch {
		case result.Status == StatusErrored:
			report.Errored++
		case result.Passed:
			report.Passed++
		default:
			report.Failed++
		}
	}
	report.AllPassed = report.Failed == 0 && report.Errored == 0 && len(report.Results) > 0
	return report, nil
}

func (r *Runner) runOne(ctx context.Context, d Detector) (result DetectorResult) {
	start := r.now()
	r.logger.Info("detector start", "detector", d.Name())
	if r.observer != nil {
		r.observer("start", DetectorResult{Name: d.Name()})
	}
	defer func() {
		if rec := recover(); rec != nil {
			result = erroredResult(d.Name(), fmt.Errorf("detector panicked: %v", rec))
		}
		result.DurationMS = r.now().Sub(start).Milliseconds()
		r.logger.Info("detector done",
			"detector", d.Name(),
			"status", string(result.Status),
			"passed", result.Passed,
			"duration_ms", result.DurationMS,
		)
		if r.observer != nil {
			r.observer("result", result)
		}
	}()

	if err := ctx.Err(); err != nil {
		return erroredResult(d.Name(), fmt.Errorf("run canceled before detector started: %w", err))
	}
	result = d.Run(ctx, r.deps)
	// Detectors construct their own results; normalize the name so a buggy
	// custom detector cannot shadow another entry in the report.
	result.Name = d.Name()
	return result
}
