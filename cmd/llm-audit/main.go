package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"llm-audit/internal/audit"
	"llm-audit/internal/openai"
	"llm-audit/internal/tokenizer"
)

func main() {
	configPath := flag.String("config", envOr("LLM_AUDIT_CONFIG", ""), "Path to audit YAML config")
	baseURL := flag.String("base-url", "", "OpenAI-compatible base URL (overrides config)")
	apiKey := flag.String("api-key", "", "API key (overrides config and env)")
	model := flag.String("model", "", "Model ID to audit (overrides config)")
	suite := flag.String("suite", "quick", "Suite name from config, or 'all'")
	format := flag.String("format", "text", "Output format: text|json|markdown")
	outDir := flag.String("out", "", "Write report.json and report.md into this directory")
	baselineIn := flag.String("baseline-in", "", "Load baseline report JSON and append a drift check")
	baselineOut := flag.String("baseline-out", "", "Write current report as future baseline JSON")
	timeout := flag.Duration("run-timeout", 30*time.Minute, "Overall run deadline")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := audit.LoadConfig(*configPath)
	if err != nil {
		exitWith("failed to load config: " + err.Error())
	}
	if strings.TrimSpace(*baseURL) != "" {
		cfg.Endpoint.BaseURL = *baseURL
	}
	if strings.TrimSpace(*model) != "" {
		cfg.Endpoint.Model = *model
	}
	if strings.TrimSpace(*apiKey) != "" {
		cfg.Endpoint.APIKey = *apiKey
	}
	if err := cfg.Validate(); err != nil {
		exitWith(err.Error())
	}

	key := cfg.ResolveAPIKey()
	if key == "" {
		exitWith("no API key: set endpoint.api_key, endpoint.api_key_env, or OPENAI_API_KEY")
	}

	detectorNames, err := cfg.Suite(*suite)
	if err != nil {
		exitWith(err.Error())
	}

	tok, err := tokenizer.Load(cfg.Tokenizer)
	if err != nil {
		exitWith(fmt.Sprintf("failed to load tokenizer %q: %v", cfg.Tokenizer, err))
	}

	client := openai.NewClient(openai.Config{
		BaseURL:      cfg.Endpoint.BaseURL,
		APIKey:       key,
		Organization: cfg.Endpoint.Organization,
		Timeout:      time.Duration(cfg.Run.TimeoutSec) * time.Second,
	})

	deps := audit.Deps{
		Sender:         audit.NewClientSender(client, cfg.Endpoint.Model),
		Tokenizer:      tok,
		Decoding:       cfg.Decoding,
		Thresholds:     cfg.Thresholds,
		Policy:         cfg.Policy(),
		PrefixPatterns: cfg.CompiledPrefixPatterns(),
	}

	runner := audit.NewRunner(cfg.Endpoint.BaseURL, cfg.Endpoint.Model, deps,
		audit.WithLogger(logger),
		audit.WithDetector(audit.ArithmeticJSONDetector{Cases: cfg.Run.ArithmeticCases}),
	)
	runner.SetTokenizerName(tok.Name())

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	report, err := runner.Run(ctx, *suite, detectorNames)
	if err != nil {
		exitWith(err.Error())
	}

	if strings.TrimSpace(*baselineIn) != "" {
		baseline, readErr := audit.ReadReport(*baselineIn)
		if readErr != nil {
			exitWith("failed to read baseline report: " + readErr.Error())
		}
		audit.AppendResult(&report, audit.CompareWithBaseline(report, baseline))
	}

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "json":
		data, marshalErr := audit.RenderJSON(report)
		if marshalErr != nil {
			exitWith("failed to encode report JSON: " + marshalErr.Error())
		}
		fmt.Println(string(data))
	case "markdown", "md":
		fmt.Print(audit.RenderMarkdown(report))
	default:
		fmt.Print(audit.RenderText(report))
	}

	if strings.TrimSpace(*outDir) != "" {
		if err := audit.WriteReportFiles(*outDir, report); err != nil {
			exitWith("failed to write report files: " + err.Error())
		}
	}
	if strings.TrimSpace(*baselineOut) != "" {
		if err := audit.WriteReport(*baselineOut, report); err != nil {
			exitWith("failed to write baseline report: " + err.Error())
		}
	}

	if !report.AllPassed {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
	os.Exit(2)
}
