package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"llm-audit/internal/openai"
)

// wordTokenizer is a deterministic stand-in for the reference tokenizer:
// one token per whitespace-separated field, token IDs hashed from the
// field text.
type wordTokenizer struct{}

func (wordTokenizer) CountTokens(text string) int {
	return len(strings.Fields(text))
}

func (wordTokenizer) Encode(text string) []int {
	fields := strings.Fields(text)
	tokens := make([]int, len(fields))
	for i, field := range fields {
		h := 0
		for _, r := range field {
			h = h*31 + int(r)
		}
		tokens[i] = h
	}
	return tokens
}

// scriptedSender answers each request through a caller-supplied function
// that sees the prompt and the global call number (1-based).
type scriptedSender struct {
	mu      sync.Mutex
	calls   int
	respond func(prompt string, call int) (*Completion, error)
}

func (s *scriptedSender) Send(_ context.Context, messages []openai.ChatMessage, _ DecodingParams) (*Completion, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	prompt := ""
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
	}
	return s.respond(prompt, call)
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// echoUsageSender reports prompt usage that exactly matches the word
// tokenizer, so fingerprint diffs come out zero.
func echoUsageSender(content string) *scriptedSender {
	return &scriptedSender{respond: func(prompt string, _ int) (*Completion, error) {
		count := wordTokenizer{}.CountTokens(prompt)
		return &Completion{Content: content, PromptTokens: &count}, nil
	}}
}

func fixedSender(content string) *scriptedSender {
	return &scriptedSender{respond: func(string, int) (*Completion, error) {
		return &Completion{Content: content}, nil
	}}
}

// cancelAfterSender serves every call with the same content and cancels
// the supplied context once the given call number has been reached.
func cancelAfterSender(cancel context.CancelFunc, after int, content string) *scriptedSender {
	return &scriptedSender{respond: func(_ string, call int) (*Completion, error) {
		if call == after {
			cancel()
		}
		return &Completion{Content: content}, nil
	}}
}

func retryableErr(status int) error {
	return &TransportError{StatusCode: status, Retryable: true, Err: context.DeadlineExceeded}
}

// fastPolicy keeps retries and pacing out of the way unless a test asks
// for them.
func fastPolicy() Policy {
	return Policy{
		Parallel:    2,
		Retries:     0,
		Timeout:     time.Second,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
	}
}

func testDeps(sender Sender) Deps {
	return Deps{
		Sender:     sender,
		Tokenizer:  wordTokenizer{},
		Decoding:   DecodingParams{Temperature: 0, TopP: 1, MaxTokens: 256},
		Thresholds: DefaultThresholds(),
		Policy:     fastPolicy(),
	}
}
