package audit

import (
	"fmt"
	"math"
	"strings"
)

type driftDirection int

const (
	higherIsBetter driftDirection = iota + 1
	lowerIsBetter
)

type driftSpec struct {
	Detector  string
	Metric    string
	Direction driftDirection
	FailAbs   float64
	FailRel   float64
}

// CompareWithBaseline checks the current report's headline metrics against
// a previously saved run of the same endpoint and model. Drift beyond the
// per-metric bound appends a synthetic completed-fail result named
// "baseline_drift"; otherwise the synthetic result passes.
func CompareWithBaseline(current, baseline RunReport) DetectorResult {
	specs := []driftSpec{
		{Detector: "fingerprint", Metric: "avg_diff_pct", Direction: lowerIsBetter, FailAbs: 1.0, FailRel: 1.0},
		{Detector: "perturbation", Metric: "top1_change_pct", Direction: lowerIsBetter, FailAbs: 15, FailRel: 1.0},
		{Detector: "arithmetic_json", Metric: "arithmetic_acc", Direction: higherIsBetter, FailAbs: 0.15, FailRel: 0.2},
		{Detector: "arithmetic_json", Metric: "json_valid_rate", Direction: higherIsBetter, FailAbs: 0.2, FailRel: 0.25},
		{Detector: "style_bias", Metric: "fixed_prefix_rate", Direction: lowerIsBetter, FailAbs: 0.3, FailRel: 1.5},
	}

	metrics := map[string]float64{}
	var findings []string
	drifted := 0
	checked := 0
	missing := 0

	if strings.TrimSpace(current.Model) != strings.TrimSpace(baseline.Model) {
		findings = append(findings, fmt.Sprintf("model mismatch: current=%s baseline=%s", current.Model, baseline.Model))
	}
	if strings.TrimSpace(current.Endpoint) != strings.TrimSpace(baseline.Endpoint) {
		findings = append(findings, fmt.Sprintf("endpoint mismatch: current=%s baseline=%s", current.Endpoint, baseline.Endpoint))
	}

	for _, spec := range specs {
		key := spec.Detector + "." + spec.Metric
		currentValue, currentOK := metricFromReport(current, spec.Detector, spec.Metric)
		baselineValue, baselineOK := metricFromReport(baseline, spec.Detector, spec.Metric)
		if !currentOK || !baselineOK {
			missing++
			continue
		}
		checked++
		degrade := degradeAmount(spec.Direction, currentValue, baselineValue)
		metrics["delta_"+key] = round2(currentValue - baselineValue)
		if degrade <= 0 {
			continue
		}
		den := math.Abs(baselineValue)
		if den < 1e-9 {
			den = 1.0
		}
		if degrade >= spec.FailAbs || degrade/den >= spec.FailRel {
			drifted++
			findings = append(findings, fmt.Sprintf("%s drifted: current=%.4g baseline=%.4g", key, currentValue, baselineValue))
		}
	}

	metrics["checked_metrics"] = float64(checked)
	metrics["missing_metrics"] = float64(missing)
	metrics["drifted_metrics"] = float64(drifted)

	result := DetectorResult{
		Name:    "baseline_drift",
		Status:  StatusCompleted,
		Passed:  drifted == 0 && len(findings) == 0,
		Metrics: metrics,
	}
	if len(findings) > 0 {
		result.Notes = strings.Join(findings, "; ")
	} else if missing > 0 {
		result.Notes = fmt.Sprintf("%d drift metrics unavailable in one of the reports", missing)
	}
	return result
}

// AppendResult folds an out-of-band result (drift check) into a finished
// report, keeping the counters consistent.
func AppendResult(report *RunReport, result DetectorResult) {
	if report == nil {
		return
	}
	report.Results = append(report.Results, result)
	switch {
	case result.Status == StatusErrored:
		report.Errored++
	case result.Passed:
		report.Passed++
	default:
		report.Failed++
	}
	report.AllPassed = report.Failed == 0 && report.Errored == 0 && len(report.Results) > 0
}

func metricFromReport(report RunReport, detector, metric string) (float64, bool) {
	result, ok := ResultByName(report, detector)
	if !ok || result.Metrics == nil {
		return 0, false
	}
	value, ok := result.Metrics[metric]
	return value, ok
}

func degradeAmount(direction driftDirection, currentValue, baselineValue float64) float64 {
	switch direction {
	case higherIsBetter:
		return baselineValue - currentValue
	case lowerIsBetter:
		return currentValue - baselineValue
	default:
		return 0
	}
}
