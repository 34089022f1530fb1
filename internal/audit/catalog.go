package audit

import (
	"fmt"
	"math/rand"
	"strings"
)

// Probe catalog: the fixed and generated test inputs each detector runs
// against. Fixtures are deliberately adversarial for the tokenizer probes
// (whitespace runs, ZWJ emoji, URLs, mixed-script text) and deliberately
// mundane for the behavioral probes.

// FingerprintStrings exercise tokenizer edge cases where vocabularies from
// different model families diverge the most.
func FingerprintStrings() []string {
	return []string{
		"a a  a\n\n🙂http://例.com/路径?x=1#锚",
		"A" + strings.Repeat(" ", 64) + "👨‍👩‍👦‍👦",
		"zero-width join: a\u200db",
		"Emoji ZWJ: 👩‍💻👨‍👩‍👧‍👦",
		"https://example.com/v1/audit?q=tokenizer&lang=zh-TW#fragment",
		"混合 script text with 漢字, кириллица, and العربية in one line",
		"\t \t  \n\n\t",
	}
}

// FingerprintPrompt wraps a fixture string into the single-turn user
// content actually sent. The wrapper is part of the fingerprint: local and
// provider counts must cover identical text.
func FingerprintPrompt(fixture string) string {
	return "Return the following text verbatim:\n" + fixture
}

// PerturbationBasePrompts are short deterministic tasks whose completions
// are compared across semantically inert input edits.
func PerturbationBasePrompts() []string {
	return []string{
		"Explain dropout in one sentence.",
		"State three risks of overfitting. Output three bullet points, no preamble.",
		"Summarize: Transformers enable parallel sequence modeling.",
		"Name one reason BatchNorm can destabilize inference. One sentence.",
	}
}

// PerturbationVariants returns the inert edits of a base prompt: trailing
// whitespace, trailing newline, and a synonym swap that preserves meaning.
func PerturbationVariants(base string) []string {
	return []string{
		base + " ",
		base + "\n",
		synonymSwap(base),
	}
}

func synonymSwap(text string) string {
	replacements := [][2]string{
		{"three", "3"},
		{"one sentence", "1 sentence"},
		{"one reason", "1 reason"},
		{"Summarize", "Briefly summarize"},
	}
	out := text
	for _, pair := range replacements {
		out = strings.Replace(out, pair[0], pair[1], 1)
	}
	return out
}

type ArithmeticCase struct {
	Prompt   string
	Expected int
}

// ArithmeticCases generates n multiplication problems with 2-digit by
// 2-to-4-digit operands from a fixed seed, so repeated runs score the same
// problem set.
func ArithmeticCases(n int, seed int64) []ArithmeticCase {
	rng := rand.New(rand.NewSource(seed))
	cases := make([]ArithmeticCase, 0, n)
	for i := 0; i < n; i++ {
		a := 12 + rng.Intn(86)
		var b int
		switch i % 3 {
		case 0:
			b = 12 + rng.Intn(86)
		case 1:
			b = 102 + rng.Intn(896)
		default:
			b = 1002 + rng.Intn(8996)
		}
		cases = append(cases, ArithmeticCase{
			Prompt:   fmt.Sprintf("Multiply %d×%d. Output only the integer.", a, b),
			Expected: a * b,
		})
	}
	return cases
}

type JSONCase struct {
	Prompt     string
	WantObject bool
}

// JSONCases demand strict JSON output; scoring checks syntactic validity
// only, never semantic correctness.
func JSONCases() []JSONCase {
	return []JSONCase{
		{
			Prompt:     `Complete valid JSON with keys ["id","name","tags"]. Output JSON only.`,
			WantObject: true,
		},
		{
			Prompt:     `Produce a JSON object mapping the words "alpha","beta","gamma" to their positions. Output JSON only, no prose.`,
			WantObject: true,
		},
		{
			Prompt:     `Output a JSON array of the integers 1 through 5. JSON only.`,
			WantObject: false,
		},
	}
}

type StyleCase struct {
	Label    string
	Prompt   string
	Validate func(response string) bool
}

// StyleCases pair a format-constrained prompt with a deterministic
// validator for that constraint. Validators are rule based on purpose:
// reproducible and auditable, never model-judged.
func StyleCases() []StyleCase {
	return []StyleCase{
		{
			Label:  "bullets_only",
			Prompt: "State 3 risks of overfitting. No preface. 3 bullet points only.",
			Validate: func(response string) bool {
				return startsWithBullet(strings.TrimSpace(response))
			},
		},
		{
			Label:  "two_items_only",
			Prompt: "List two costs of L2 regularization. No preamble or closing remarks. Output exactly two items.",
			Validate: func(response string) bool {
				return startsWithBullet(strings.TrimSpace(response))
			},
		},
		{
			Label:  "one_word",
			Prompt: "Reply with exactly one word: the opposite of \"overfit\".",
			Validate: func(response string) bool {
				return len(strings.Fields(strings.TrimSpace(response))) == 1
			},
		},
	}
}

func startsWithBullet(s string) bool {
	if s == "" {
		return false
	}
	switch s[0] {
	case '-', '*', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return true
	}
	return strings.HasPrefix(s, "•")
}

// DefaultPrefixPatterns are the stock-preamble regexes the style detector
// classifies against; configuration may replace them.
func DefaultPrefixPatterns() []string {
	return []string{
		`(?i)^sure[, ]|^of course|^certainly[,! ]`,
		`(?i)^as an ai`,
		`(?i)^i('m| am) sorry|^i apologi[sz]e|^unfortunately`,
	}
}
