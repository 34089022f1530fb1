package server

import (
	"time"

	"llm-audit/internal/audit"
)

type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// RunRequest is the admin-facing audit submission. The API key is never
// accepted over the wire; the server resolves it from its own config.
type RunRequest struct {
	Endpoint   string            `json:"endpoint"`
	Model      string            `json:"model"`
	Suite      string            `json:"suite,omitempty"`
	Detectors  []string          `json:"detectors,omitempty"`
	Tokenizer  string            `json:"tokenizer,omitempty"`
	Thresholds *audit.Thresholds `json:"thresholds,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
	DryRun     bool              `json:"dry_run,omitempty"`
}

// QuickAuditRequest is the anonymous user-facing entry point: a fixed
// scenario against a model, rate limited per client IP.
type QuickAuditRequest struct {
	ScenarioID  string `json:"scenario_id"`
	TargetModel string `json:"target_model"`
	Endpoint    string `json:"endpoint,omitempty"`
}

type RunMeta struct {
	RunID       string           `json:"run_id"`
	Status      string           `json:"status"`
	CreatorType string           `json:"creator_type"`
	CreatorSub  string           `json:"creator_sub,omitempty"`
	Source      string           `json:"source"`
	Request     RunRequest       `json:"request"`
	StartedAt   string           `json:"started_at,omitempty"`
	FinishedAt  string           `json:"finished_at,omitempty"`
	CreatedAt   string           `json:"created_at"`
	Error       string           `json:"error,omitempty"`
	Report      *audit.RunReport `json:"report,omitempty"`
	Verdict     VerdictSnapshot  `json:"verdict"`
}

// VerdictSnapshot is the denormalized slice of a finished report the list
// and overview endpoints serve without loading the full report.
type VerdictSnapshot struct {
	Passed             int     `json:"passed"`
	Failed             int     `json:"failed"`
	Errored            int     `json:"errored"`
	AllPassed          bool    `json:"all_passed"`
	FingerprintDiffPct float64 `json:"fingerprint_avg_diff_pct"`
	ArithmeticAcc      float64 `json:"arithmetic_acc"`
}

type AuditEvent struct {
	Timestamp string `json:"timestamp"`
	RunID     string `json:"run_id,omitempty"`
	ActorType string `json:"actor_type"`
	ActorSub  string `json:"actor_sub,omitempty"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	IPHash    string `json:"ip_hash,omitempty"`
	UAHash    string `json:"ua_hash,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type RunEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt     string  `json:"generated_at"`
	TotalRuns       int     `json:"total_runs"`
	RunningRuns     int     `json:"running_runs"`
	PassRuns        int     `json:"pass_runs"`
	FailRuns        int     `json:"fail_runs"`
	ErrorRuns       int     `json:"error_runs"`
	AverageDuration int64   `json:"average_duration_ms"`
	AveragePassRate float64 `json:"average_pass_rate"`
}

func verdictFromReport(report audit.RunReport) VerdictSnapshot {
	out := VerdictSnapshot{
		Passed:    report.Passed,
		Failed:    report.Failed,
		Errored:   report.Errored,
		AllPassed: report.AllPassed,
	}
	if result, ok := audit.ResultByName(report, "fingerprint"); ok {
		out.FingerprintDiffPct = result.Metrics["avg_diff_pct"]
	}
	if result, ok := audit.ResultByName(report, "arithmetic_json"); ok {
		out.ArithmeticAcc = result.Metrics["arithmetic_acc"]
	}
	return out
}

func runOverallStatus(report audit.RunReport) string {
	switch {
	case report.Errored > 0:
		return "error"
	case report.Failed > 0:
		return "fail"
	default:
		return "pass"
	}
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
