package cli

import (
	"bytes"
	"strings"
	"testing"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return NewPrompter(strings.NewReader(input), out), out
}

func TestAsk_WithInput(t *testing.T) {
	p, _ := newTestPrompter("hello\n")
	if got := p.Ask("Name", "default"); got != "hello" {
		t.Errorf("Ask() = %q, want %q", got, "hello")
	}
}

func TestAsk_EmptyUsesDefault(t *testing.T) {
	p, _ := newTestPrompter("\n")
	if got := p.Ask("Name", "fallback"); got != "fallback" {
		t.Errorf("Ask() = %q, want %q", got, "fallback")
	}
}

func TestAsk_WhitespaceUsesDefault(t *testing.T) {
	p, _ := newTestPrompter("   \n")
	if got := p.Ask("Name", "fallback"); got != "fallback" {
		t.Errorf("Ask() = %q, want %q", got, "fallback")
	}
}

func TestAskSecret_Fallback(t *testing.T) {
	// Not a real terminal, so it falls back to plain read.
	p, _ := newTestPrompter("secret123\n")
	if got := p.AskSecret("Password"); got != "secret123" {
		t.Errorf("AskSecret() = %q, want %q", got, "secret123")
	}
}

func TestAskInt_ValidInput(t *testing.T) {
	p, _ := newTestPrompter("5\n")
	if got := p.AskInt("Count", 1); got != 5 {
		t.Errorf("AskInt() = %d, want %d", got, 5)
	}
}

func TestAskInt_DefaultOnEmpty(t *testing.T) {
	p, _ := newTestPrompter("\n")
	if got := p.AskInt("Count", 3); got != 3 {
		t.Errorf("AskInt() = %d, want %d", got, 3)
	}
}

func TestAskInt_RejectsGarbage(t *testing.T) {
	p, out := newTestPrompter("abc\n7\n")
	if got := p.AskInt("Count", 1); got != 7 {
		t.Errorf("AskInt() = %d, want %d", got, 7)
	}
	if !strings.Contains(out.String(), "positive number") {
		t.Error("expected a re-prompt message for invalid input")
	}
}

func TestChoose_Selection(t *testing.T) {
	p, _ := newTestPrompter("2\n")
	options := []string{"alpha", "beta", "gamma"}
	if got := p.Choose("Pick one", options, 0); got != "beta" {
		t.Errorf("Choose() = %q, want %q", got, "beta")
	}
}

func TestChoose_DefaultOnEmpty(t *testing.T) {
	p, _ := newTestPrompter("\n")
	options := []string{"alpha", "beta", "gamma"}
	if got := p.Choose("Pick one", options, 1); got != "beta" {
		t.Errorf("Choose() = %q, want %q", got, "beta")
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		defaultYes bool
		want       bool
	}{
		{"explicit yes", "y\n", false, true},
		{"explicit no", "n\n", true, false},
		{"default yes", "\n", true, true},
		{"default no", "\n", false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newTestPrompter(tc.input)
			if got := p.Confirm("Continue?", tc.defaultYes); got != tc.want {
				t.Errorf("Confirm() = %v, want %v", got, tc.want)
			}
		})
	}
}
