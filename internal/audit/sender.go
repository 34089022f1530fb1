package audit

import (
	"context"
	"errors"
	"fmt"
	"net"

	"llm-audit/internal/openai"
)

// Completion is the reduced view of one chat-completion response that
// detectors consume. PromptTokens is nil when the provider omitted usage
// metadata, which detectors must treat as expected provider variance.
type Completion struct {
	Content      string
	PromptTokens *int
	Raw          any
}

// Sender transmits one chat-completion request. Implementations are
// stateless from the detectors' perspective; the Runner owns the handle
// for the duration of a run and detectors only borrow it.
type Sender interface {
	Send(ctx context.Context, messages []openai.ChatMessage, params DecodingParams) (*Completion, error)
}

// TransportError classifies a failed send for the retry policy.
type TransportError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func AsTransportError(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

type clientSender struct {
	client *openai.Client
	model  string
}

// NewClientSender adapts the OpenAI-compatible client to the Sender
// interface for the given model identity.
func NewClientSender(client *openai.Client, model string) Sender {
	return &clientSender{client: client, model: model}
}

func (s *clientSender) Send(ctx context.Context, messages []openai.ChatMessage, params DecodingParams) (*Completion, error) {
	req := openai.ChatRequest{
		Model:       s.model,
		Messages:    messages,
		MaxTokens:   params.MaxTokens,
		Temperature: &params.Temperature,
		TopP:        &params.TopP,
		Seed:        params.Seed,
	}
	resp, _, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifySendError(err)
	}
	completion := &Completion{
		Content: resp.FirstText(),
		Raw:     resp,
	}
	if resp.Usage != nil {
		tokens := resp.Usage.PromptTokens
		completion.PromptTokens = &tokens
	}
	return completion, nil
}

func classifySendError(err error) error {
	if apiErr, ok := openai.IsAPIError(err); ok {
		return &TransportError{
			StatusCode: apiErr.StatusCode,
			Retryable:  apiErr.Retryable(),
			Err:        err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &TransportError{Retryable: false, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Retryable: true, Err: err}
	}
	// Dial failures, resets, and client-side timeouts all surface as
	// net.Error through the http client wrapper chain.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransportError{Retryable: true, Err: err}
	}
	return &TransportError{Retryable: false, Err: err}
}
