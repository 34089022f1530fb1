// Package tokenizer provides the local reference tokenizer used to
// cross-check provider-reported token accounting. Vocabularies are loaded
// once per audit run and reused for every probe.
package tokenizer

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

type Tokenizer struct {
	name string
	enc  *tiktoken.Tiktoken
}

// Load resolves identity as either a named encoding ("cl100k_base",
// "o200k_base", ...) or a model ID with a registered vocabulary mapping.
func Load(identity string) (*Tokenizer, error) {
	name := strings.TrimSpace(identity)
	if name == "" {
		return nil, fmt.Errorf("tokenizer identity is empty")
	}
	if enc, err := tiktoken.GetEncoding(name); err == nil {
		return &Tokenizer{name: name, enc: enc}, nil
	}
	enc, err := tiktoken.EncodingForModel(name)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %q: %w", name, err)
	}
	return &Tokenizer{name: name, enc: enc}, nil
}

func (t *Tokenizer) Name() string {
	return t.name
}

func (t *Tokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *Tokenizer) CountTokens(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}
