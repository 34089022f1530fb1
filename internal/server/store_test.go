package server

import (
	"testing"

	"llm-audit/internal/audit"
)

func TestMemoryStoreRunLifecycle(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	meta := RunMeta{
		RunID:       "run_test_1",
		Status:      "queued",
		Source:      "test",
		CreatorType: "admin",
		CreatedAt:   nowRFC3339(),
	}
	if err := store.CreateRun(meta); err != nil {
		t.Fatalf("CreateRun error: %v", err)
	}
	if err := store.CreateRun(meta); err == nil {
		t.Fatal("duplicate run id must be rejected")
	}
	event, err := store.AppendRunEvent(meta.RunID, "queue", "queued", nil)
	if err != nil {
		t.Fatalf("AppendRunEvent error: %v", err)
	}
	if event.Seq != 1 {
		t.Fatalf("expected first seq=1, got %d", event.Seq)
	}

	report := audit.RunReport{
		Results: []audit.DetectorResult{
			{Name: "fingerprint", Status: audit.StatusCompleted, Passed: true,
				Metrics: map[string]float64{"avg_diff_pct": 0.4}, DurationMS: 120},
			{Name: "arithmetic_json", Status: audit.StatusCompleted, Passed: true,
				Metrics: map[string]float64{"arithmetic_acc": 0.95}, DurationMS: 300},
		},
		Passed:    2,
		AllPassed: true,
	}
	updated, err := store.UpdateRun(meta.RunID, func(item *RunMeta) {
		item.Status = "pass"
		item.Report = &report
		item.Verdict = verdictFromReport(report)
	})
	if err != nil {
		t.Fatalf("UpdateRun error: %v", err)
	}
	if updated.Status != "pass" {
		t.Fatalf("expected status pass, got %s", updated.Status)
	}
	if updated.Verdict.FingerprintDiffPct != 0.4 || updated.Verdict.ArithmeticAcc != 0.95 {
		t.Fatalf("verdict snapshot not denormalized: %+v", updated.Verdict)
	}
}

func TestMemoryStoreEventCursor(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	if err := store.CreateRun(RunMeta{RunID: "run_ev", Status: "queued", CreatedAt: nowRFC3339()}); err != nil {
		t.Fatalf("CreateRun error: %v", err)
	}
	for _, stage := range []string{"queue", "start", "completed"} {
		if _, err := store.AppendRunEvent("run_ev", stage, stage, nil); err != nil {
			t.Fatalf("AppendRunEvent(%s): %v", stage, err)
		}
	}
	tail := store.ListRunEvents("run_ev", 1)
	if len(tail) != 2 {
		t.Fatalf("expected 2 events after cursor 1, got %d", len(tail))
	}
	if tail[0].Seq != 2 || tail[1].Seq != 3 {
		t.Fatalf("events out of order: %+v", tail)
	}
}

func TestMemoryStoreOverviewCountsStatuses(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	for i, status := range []string{"queued", "running", "pass", "fail", "error"} {
		meta := RunMeta{
			RunID:     "run_" + status,
			Status:    status,
			CreatedAt: nowRFC3339(),
		}
		if i >= 2 {
			meta.Report = &audit.RunReport{
				Results: []audit.DetectorResult{{Name: "fingerprint", DurationMS: 100}},
				Passed:  1,
			}
		}
		if err := store.CreateRun(meta); err != nil {
			t.Fatalf("CreateRun(%s): %v", status, err)
		}
	}
	overview := store.GetMetricsOverview()
	if overview.TotalRuns != 5 {
		t.Fatalf("expected 5 runs, got %d", overview.TotalRuns)
	}
	if overview.RunningRuns != 2 {
		t.Fatalf("queued+running should count as running, got %d", overview.RunningRuns)
	}
	if overview.PassRuns != 1 || overview.FailRuns != 1 || overview.ErrorRuns != 1 {
		t.Fatalf("status counters wrong: %+v", overview)
	}
	if overview.AveragePassRate != 1 {
		t.Fatalf("all finished reports passed fully, got rate %g", overview.AveragePassRate)
	}
}
