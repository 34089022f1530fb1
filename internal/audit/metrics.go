package audit

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// PctDiff returns |api-local|/local*100. Callers must exclude local == 0;
// the percentage is undefined there.
func PctDiff(local, api int) float64 {
	return math.Abs(float64(api-local)) / float64(local) * 100
}

// HammingAtK compares the first k positions of two token sequences and adds
// the prefix-length difference, so truncated or padded completions still
// register as distance.
func HammingAtK(a, b []int, k int) int {
	if k <= 0 {
		return 0
	}
	if len(a) > k {
		a = a[:k]
	}
	if len(b) > k {
		b = b[:k]
	}
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	distance := 0
	for i := 0; i < minLen; i++ {
		if a[i] != b[i] {
			distance++
		}
	}
	distance += len(a) - minLen + len(b) - minLen
	return distance
}

// JSONValid reports whether the trimmed text parses as JSON at all.
func JSONValid(text string) bool {
	var value any
	return json.Unmarshal([]byte(strings.TrimSpace(text)), &value) == nil
}

// JSONObjectValid reports whether the trimmed text parses as a JSON object.
func JSONObjectValid(text string) bool {
	var value map[string]any
	return json.Unmarshal([]byte(strings.TrimSpace(text)), &value) == nil
}

// AnswerMatches applies the canonical extraction rule for arithmetic
// scoring: the completion counts as correct when at least one maximal digit
// run equals the expected value and no other digit run contains the expected
// digits as a substring. The second clause rejects ambiguous completions
// (e.g. both "3108" and "31089" present) instead of guessing.
func AnswerMatches(text string, expected int) bool {
	want := strconv.Itoa(expected)
	exact := 0
	for _, run := range digitRuns(text) {
		if run == want {
			exact++
			continue
		}
		if strings.Contains(run, want) {
			return false
		}
	}
	return exact > 0
}

// digitRuns returns the maximal runs of consecutive ASCII digits in order
// of appearance.
func digitRuns(s string) []string {
	var runs []string
	start := -1
	for i, r := range s {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			runs = append(runs, s[start:i])
			start = -1
		}
	}
	if start >= 0 {
		runs = append(runs, s[start:])
	}
	return runs
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
