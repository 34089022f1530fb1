package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"llm-audit/internal/audit"
	"llm-audit/internal/openai"
	"llm-audit/internal/tokenizer"
)

// RunManager owns the audit run queue. Submissions enqueue; a fixed pool
// of workers executes runs one audit at a time per worker and writes
// progress into the store as run events.
type RunManager struct {
	cfg        ServerConfig
	store      Store
	obs        *Observability
	queue      chan queuedRun
	wg         sync.WaitGroup
	quickLimit *ipRateLimiter
}

type RunnerService interface {
	CreateAdminRun(request RunRequest, principal Principal, source string) (RunMeta, error)
	CreateQuickAudit(request QuickAuditRequest, ipHash, uaHash string) (RunMeta, error)
}

type queuedRun struct {
	RunID       string
	Request     RunRequest
	Creator     Principal
	CreatorType string
	Source      string
}

func NewRunManager(cfg ServerConfig, store Store, obs *Observability) *RunManager {
	maxParallel := cfg.Runs.MaxParallelRuns
	if maxParallel <= 0 {
		maxParallel = 2
	}
	manager := &RunManager{
		cfg:        cfg,
		store:      store,
		obs:        obs,
		queue:      make(chan queuedRun, maxParallel*8),
		quickLimit: newIPRateLimiter(cfg.Limits.QuickAuditRPM),
	}
	for i := 0; i < maxParallel; i++ {
		manager.wg.Add(1)
		go func() {
			defer manager.wg.Done()
			manager.worker()
		}()
	}
	return manager
}

func (m *RunManager) Shutdown() {
	close(m.queue)
	m.wg.Wait()
}

func (m *RunManager) CreateAdminRun(request RunRequest, principal Principal, source string) (RunMeta, error) {
	if strings.TrimSpace(request.Endpoint) == "" {
		request.Endpoint = m.cfg.Upstream.DefaultEndpoint
	}
	if strings.TrimSpace(request.Model) == "" {
		return RunMeta{}, errors.New("model is required")
	}
	if strings.TrimSpace(request.Tokenizer) == "" {
		request.Tokenizer = m.cfg.Upstream.DefaultTokenizer
	}
	if request.TimeoutSec <= 0 {
		request.TimeoutSec = m.cfg.Runs.DefaultTimeoutSec
	}
	if len(request.Detectors) == 0 {
		request.Detectors = audit.DefaultDetectorOrder()
	}
	if strings.TrimSpace(request.Suite) == "" {
		request.Suite = "full"
	}
	runID, err := randomID("run")
	if err != nil {
		return RunMeta{}, err
	}
	meta := RunMeta{
		RunID:       runID,
		Status:      "queued",
		Source:      source,
		CreatorType: "admin",
		CreatorSub:  principal.Subject,
		Request:     request,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateRun(meta); err != nil {
		return RunMeta{}, err
	}
	_, _ = m.store.AppendRunEvent(runID, "queue", "run queued", map[string]any{
		"source": source,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: "admin",
		ActorSub:  principal.Subject,
		Action:    "run.create",
		Result:    "queued",
	})
	m.queue <- queuedRun{
		RunID:       runID,
		Request:     request,
		Creator:     principal,
		CreatorType: "admin",
		Source:      source,
	}
	return meta, nil
}

func (m *RunManager) CreateQuickAudit(request QuickAuditRequest, ipHash, uaHash string) (RunMeta, error) {
	if !m.quickLimit.Allow(ipHash) {
		if m.obs != nil {
			m.obs.MarkRateLimited(context.Background(), "quick_audit")
		}
		_ = m.store.AppendAudit(AuditEvent{
			Timestamp: nowRFC3339(),
			ActorType: "user",
			Action:    "quick_audit.reject",
			Result:    "rate_limited",
			IPHash:    ipHash,
			UAHash:    uaHash,
		})
		return RunMeta{}, errors.New("quick audit rate limit reached")
	}
	runRequest, err := scenarioToRunRequest(request, m.cfg)
	if err != nil {
		return RunMeta{}, err
	}
	runID, err := randomID("run")
	if err != nil {
		return RunMeta{}, err
	}
	meta := RunMeta{
		RunID:       runID,
		Status:      "queued",
		Source:      "user.quick_audit",
		CreatorType: "user",
		Request:     runRequest,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateRun(meta); err != nil {
		return RunMeta{}, err
	}
	_, _ = m.store.AppendRunEvent(runID, "queue", "quick audit queued", map[string]any{
		"scenario_id": request.ScenarioID,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: "user",
		Action:    "quick_audit.create",
		Result:    "queued",
		IPHash:    ipHash,
		UAHash:    uaHash,
		Detail:    request.ScenarioID,
	})
	m.queue <- queuedRun{
		RunID:       runID,
		Request:     runRequest,
		CreatorType: "user",
		Source:      "user.quick_audit",
	}
	return meta, nil
}

func (m *RunManager) worker() {
	for queued := range m.queue {
		m.executeRun(queued)
	}
}

func (m *RunManager) executeRun(queued queuedRun) {
	startedAt := nowRFC3339()
	_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
		meta.Status = "running"
		meta.StartedAt = startedAt
	})
	_, _ = m.store.AppendRunEvent(queued.RunID, "start", "run started", nil)

	if queued.Request.DryRun {
		report := buildDryRunReport(queued.Request)
		m.finishRun(queued, report, "dry-run completed")
		return
	}

	report, err := m.runAudit(queued)
	if err != nil {
		_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
			meta.Status = "error"
			meta.Error = err.Error()
			meta.FinishedAt = nowRFC3339()
		})
		_, _ = m.store.AppendRunEvent(queued.RunID, "error", "run aborted", map[string]any{"error": err.Error()})
		if m.obs != nil {
			m.obs.MarkRun(context.Background(), "error")
		}
		return
	}
	m.finishRun(queued, report, "run completed")
}

func (m *RunManager) runAudit(queued queuedRun) (audit.RunReport, error) {
	apiKey := m.cfg.ResolveUpstreamKey()
	if apiKey == "" {
		return audit.RunReport{}, errors.New("upstream API key unavailable")
	}
	tok, err := tokenizer.Load(queued.Request.Tokenizer)
	if err != nil {
		return audit.RunReport{}, fmt.Errorf("load tokenizer %q: %w", queued.Request.Tokenizer, err)
	}

	timeout := time.Duration(queued.Request.TimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client := openai.NewClient(openai.Config{
		BaseURL: queued.Request.Endpoint,
		APIKey:  apiKey,
		Timeout: time.Duration(minInt(queued.Request.TimeoutSec, 120)) * time.Second,
	})
	thresholds := audit.DefaultThresholds()
	if queued.Request.Thresholds != nil {
		thresholds = *queued.Request.Thresholds
	}
	deps := audit.Deps{
		Sender:     audit.NewClientSender(client, queued.Request.Model),
		Tokenizer:  tok,
		Decoding:   audit.DecodingParams{Temperature: 0, TopP: 1, MaxTokens: 256},
		Thresholds: thresholds,
		Policy:     audit.DefaultPolicy(),
	}
	runner := audit.NewRunner(queued.Request.Endpoint, queued.Request.Model, deps,
		audit.WithObserver(func(stage string, result audit.DetectorResult) {
			switch stage {
			case "start":
				_, _ = m.store.AppendRunEvent(queued.RunID, "detector_start", "detector started", map[string]any{
					"detector": result.Name,
				})
			case "result":
				_, _ = m.store.AppendRunEvent(queued.RunID, "detector_result", string(result.Status), map[string]any{
					"detector":    result.Name,
					"status":      string(result.Status),
					"passed":      result.Passed,
					"duration_ms": result.DurationMS,
				})
				if m.obs != nil {
					m.obs.MarkDetector(ctx, result.Name, result.DurationMS)
				}
			}
		}),
	)
	runner.SetTokenizerName(tok.Name())
	return runner.Run(ctx, queued.Request.Suite, queued.Request.Detectors)
}

func (m *RunManager) finishRun(queued queuedRun, report audit.RunReport, message string) {
	status := runOverallStatus(report)
	verdict := verdictFromReport(report)
	_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
		meta.Status = status
		meta.FinishedAt = nowRFC3339()
		meta.Report = &report
		meta.Verdict = verdict
		if status == "fail" {
			meta.Error = "one or more detectors failed"
		}
	})
	_, _ = m.store.AppendRunEvent(queued.RunID, "completed", message, map[string]any{
		"status": status,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     queued.RunID,
		ActorType: queued.CreatorType,
		ActorSub:  queued.Creator.Subject,
		Action:    "run.completed",
		Result:    status,
		Detail:    fmt.Sprintf("pass=%d fail=%d error=%d", report.Passed, report.Failed, report.Errored),
	})
	if m.obs != nil {
		m.obs.MarkRun(context.Background(), status)
	}
}

func scenarioToRunRequest(input QuickAuditRequest, cfg ServerConfig) (RunRequest, error) {
	scenario := strings.ToLower(strings.TrimSpace(input.ScenarioID))
	model := strings.TrimSpace(input.TargetModel)
	if model == "" {
		return RunRequest{}, errors.New("target_model is required")
	}
	endpoint := strings.TrimSpace(input.Endpoint)
	if endpoint == "" {
		endpoint = cfg.Upstream.DefaultEndpoint
	}
	base := RunRequest{
		Endpoint:   endpoint,
		Model:      model,
		Tokenizer:  cfg.Upstream.DefaultTokenizer,
		TimeoutSec: cfg.Runs.DefaultTimeoutSec,
	}
	switch scenario {
	case "tokenizer-identity":
		base.Suite = "quick"
		base.Detectors = []string{"fingerprint", "style_bias"}
	case "quantization-check":
		base.Suite = "quantization"
		base.Detectors = []string{"perturbation", "arithmetic_json"}
	case "full-integrity":
		base.Suite = "full"
		base.Detectors = audit.DefaultDetectorOrder()
	default:
		return RunRequest{}, errors.New("unsupported scenario_id")
	}
	return base, nil
}

// buildDryRunReport simulates a clean pass without network traffic so the
// queue, store, and SSE paths can be exercised end to end.
func buildDryRunReport(request RunRequest) audit.RunReport {
	selected := request.Detectors
	if len(selected) == 0 {
		selected = audit.DefaultDetectorOrder()
	}
	report := audit.RunReport{
		GeneratedAt: nowRFC3339(),
		Endpoint:    request.Endpoint,
		Model:       request.Model,
		Suite:       request.Suite,
		Tokenizer:   request.Tokenizer,
		Results:     make([]audit.DetectorResult, 0, len(selected)),
	}
	for _, name := range selected {
		report.Results = append(report.Results, audit.DetectorResult{
			Name:       name,
			Status:     audit.StatusCompleted,
			Passed:     true,
			Metrics:    map[string]float64{"dry_run": 1},
			DurationMS: 20,
		})
		report.Passed++
	}
	report.AllPassed = len(report.Results) > 0
	return report
}

func randomID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type ipRateLimiter struct {
	mu      sync.Mutex
	rpm     int
	records map[string][]time.Time
}

func newIPRateLimiter(rpm int) *ipRateLimiter {
	if rpm <= 0 {
		rpm = 6
	}
	return &ipRateLimiter{
		rpm:     rpm,
		records: map[string][]time.Time{},
	}
}

func (l *ipRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.TrimSpace(key) == "" {
		key = "unknown"
	}
	now := time.Now()
	cutoff := now.Add(-1 * time.Minute)
	items := filterRecentTime(l.records[key], cutoff)
	if len(items) >= l.rpm {
		l.records[key] = items
		return false
	}
	items = append(items, now)
	l.records[key] = items
	return true
}

func filterRecentTime(items []time.Time, cutoff time.Time) []time.Time {
	out := items[:0]
	for _, item := range items {
		if item.After(cutoff) {
			out = append(out, item)
		}
	}
	return out
}

func hashString(input string) string {
	sum := sha256Sum(input)
	return sum[:16]
}

func sha256Sum(input string) string {
	hash := sha256.New()
	_, _ = hash.Write([]byte(input))
	return hex.EncodeToString(hash.Sum(nil))
}
