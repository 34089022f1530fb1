package tokenizer

import "testing"

func TestLoadRejectsEmptyIdentity(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty identity")
	}
	if _, err := Load("   "); err == nil {
		t.Fatal("expected error for blank identity")
	}
}

func TestLoadRejectsUnknownIdentity(t *testing.T) {
	if _, err := Load("no-such-vocabulary"); err == nil {
		t.Fatal("expected error for unknown encoding and model name")
	}
}
