package audit

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

// solveSender answers multiplication prompts correctly and JSON prompts
// with a valid object.
func solveSender() *scriptedSender {
	return &scriptedSender{respond: func(prompt string, _ int) (*Completion, error) {
		var a, b int
		if _, err := fmt.Sscanf(prompt, "Multiply %d×%d.", &a, &b); err == nil {
			return &Completion{Content: fmt.Sprintf("%d", a*b)}, nil
		}
		return &Completion{Content: `{"id": 1, "name": "x", "tags": []}`}, nil
	}}
}

func TestArithmeticCasesAreDeterministic(t *testing.T) {
	first := ArithmeticCases(20, arithmeticSeed)
	second := ArithmeticCases(20, arithmeticSeed)
	if len(first) != 20 {
		t.Fatalf("expected 20 cases, got %d", len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("case %d differs across runs with same seed", i)
		}
	}
	for i, c := range first {
		if c.Expected < 12*12 {
			t.Fatalf("case %d has implausible product %d", i, c.Expected)
		}
		if !strings.Contains(c.Prompt, "Output only the integer") {
			t.Fatalf("case %d prompt missing format instruction: %q", i, c.Prompt)
		}
	}
}

func TestArithmeticJSONPassesOnCorrectAnswers(t *testing.T) {
	result := ArithmeticJSONDetector{}.Run(context.Background(), testDeps(solveSender()))

	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Error)
	}
	if !result.Passed {
		t.Fatalf("correct answers must pass, metrics=%v notes=%q", result.Metrics, result.Notes)
	}
	if result.Metrics["arithmetic_acc"] != 1 {
		t.Fatalf("expected perfect accuracy, got %g", result.Metrics["arithmetic_acc"])
	}
	if result.Metrics["json_valid_rate"] != 1 {
		t.Fatalf("expected all JSON valid, got %g", result.Metrics["json_valid_rate"])
	}
}

func TestArithmeticJSONFailsOnWrongAnswers(t *testing.T) {
	sender := &scriptedSender{respond: func(prompt string, _ int) (*Completion, error) {
		var a, b int
		if _, err := fmt.Sscanf(prompt, "Multiply %d×%d.", &a, &b); err == nil {
			return &Completion{Content: fmt.Sprintf("%d", a*b+1)}, nil
		}
		return &Completion{Content: `{"ok": true}`}, nil
	}}
	result := ArithmeticJSONDetector{}.Run(context.Background(), testDeps(sender))

	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	if result.Passed {
		t.Fatal("off-by-one products must fail the accuracy threshold")
	}
	if result.Metrics["arithmetic_acc"] != 0 {
		t.Fatalf("expected zero accuracy, got %g", result.Metrics["arithmetic_acc"])
	}
}

func TestArithmeticJSONFailsOnBrokenJSON(t *testing.T) {
	sender := &scriptedSender{respond: func(prompt string, _ int) (*Completion, error) {
		var a, b int
		if _, err := fmt.Sscanf(prompt, "Multiply %d×%d.", &a, &b); err == nil {
			return &Completion{Content: fmt.Sprintf("%d", a*b)}, nil
		}
		return &Completion{Content: "Here is your JSON: {broken"}, nil
	}}
	result := ArithmeticJSONDetector{}.Run(context.Background(), testDeps(sender))

	if result.Passed {
		t.Fatal("invalid JSON output must fail the validity threshold")
	}
	if result.Metrics["json_valid_rate"] != 0 {
		t.Fatalf("expected zero validity, got %g", result.Metrics["json_valid_rate"])
	}
	if result.Metrics["arithmetic_acc"] != 1 {
		t.Fatalf("arithmetic side should still score, got %g", result.Metrics["arithmetic_acc"])
	}
}

func TestArithmeticJSONCaseCountOverride(t *testing.T) {
	sender := solveSender()
	result := ArithmeticJSONDetector{Cases: 5}.Run(context.Background(), testDeps(sender))

	if result.Metrics["arithmetic_cases"] != 5 {
		t.Fatalf("expected 5 cases, got %g", result.Metrics["arithmetic_cases"])
	}
	wantCalls := 5 + len(JSONCases())
	if sender.callCount() != wantCalls {
		t.Fatalf("expected %d requests, got %d", wantCalls, sender.callCount())
	}
}

func TestArithmeticJSONFailedRequestsScoreIncorrect(t *testing.T) {
	sender := &scriptedSender{respond: func(prompt string, call int) (*Completion, error) {
		if call == 1 {
			return nil, retryableErr(500)
		}
		var a, b int
		if _, err := fmt.Sscanf(prompt, "Multiply %d×%d.", &a, &b); err == nil {
			return &Completion{Content: fmt.Sprintf("%d", a*b)}, nil
		}
		return &Completion{Content: `{"ok": true}`}, nil
	}}
	deps := testDeps(sender)
	deps.Policy.Parallel = 1
	result := ArithmeticJSONDetector{Cases: 10}.Run(context.Background(), deps)

	if result.Status != StatusCompleted {
		t.Fatalf("partial failure must still complete, got %s", result.Status)
	}
	if result.Metrics["arithmetic_correct"] != 9 {
		t.Fatalf("failed request must score incorrect: got %g correct", result.Metrics["arithmetic_correct"])
	}
	if result.Notes == "" {
		t.Fatal("expected a note about the failed request")
	}
}

func TestArithmeticJSONCanceledMidRunIsErrored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := cancelAfterSender(cancel, 3, "42")
	deps := testDeps(sender)
	deps.Policy.Parallel = 1
	result := ArithmeticJSONDetector{Cases: 10}.Run(ctx, deps)

	if result.Status != StatusErrored {
		t.Fatalf("cancellation mid-run must error, got %s (metrics=%v)", result.Status, result.Metrics)
	}
	if result.Passed {
		t.Fatal("a canceled run must not report a pass")
	}
	if total := 10 + len(JSONCases()); sender.callCount() >= total {
		t.Fatalf("cancellation did not stop request issuance: %d calls", sender.callCount())
	}
}
