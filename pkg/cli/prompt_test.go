package cli

import (
	"bytes"
	"strings"
	"testing"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{In: strings.NewReader(input), Out: out}, out
}

func TestAsk_WithInput(t *testing.T) {
	p, _ := newTestPrompter("10.0.0.5\n")
	if got := p.Ask("Bind host", "127.0.0.1"); got != "10.0.0.5" {
		t.Errorf("Ask() = %q, want %q", got, "10.0.0.5")
	}
}

func TestAsk_EmptyUsesDefault(t *testing.T) {
	p, _ := newTestPrompter("\n")
	if got := p.Ask("Bind host", "127.0.0.1"); got != "127.0.0.1" {
		t.Errorf("Ask() = %q, want %q", got, "127.0.0.1")
	}
}

func TestAsk_WhitespaceUsesDefault(t *testing.T) {
	p, _ := newTestPrompter("   \n")
	if got := p.Ask("Bind host", "fallback"); got != "fallback" {
		t.Errorf("Ask() = %q, want %q", got, "fallback")
	}
}

func TestAskInt_ValidInput(t *testing.T) {
	p, _ := newTestPrompter("4444\n")
	if got := p.AskInt("Port", 9000); got != 4444 {
		t.Errorf("AskInt() = %d, want %d", got, 4444)
	}
}

func TestAskInt_RepromptsOnGarbage(t *testing.T) {
	p, out := newTestPrompter("abc\n-3\n50\n")
	if got := p.AskInt("Max sessions", 50); got != 50 {
		t.Errorf("AskInt() = %d, want %d", got, 50)
	}
	if !strings.Contains(out.String(), "positive number") {
		t.Error("expected a re-prompt message for invalid input")
	}
}

func TestAskInt_DefaultOnEmpty(t *testing.T) {
	p, _ := newTestPrompter("\n")
	if got := p.AskInt("Max sessions", 50); got != 50 {
		t.Errorf("AskInt() = %d, want %d", got, 50)
	}
}

func TestAskPassword_Fallback(t *testing.T) {
	// Not a real terminal, so it falls back to plain read.
	p, _ := newTestPrompter("hunter2\n")
	if got := p.AskPassword("Registration token"); got != "hunter2" {
		t.Errorf("AskPassword() = %q, want %q", got, "hunter2")
	}
}

func TestConfirm(t *testing.T) {
	cases := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"yes\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
	}
	for _, tc := range cases {
		p, _ := newTestPrompter(tc.input)
		if got := p.Confirm("Enable TLS?", tc.defaultYes); got != tc.want {
			t.Errorf("Confirm(%q, default=%v) = %v, want %v", strings.TrimSpace(tc.input), tc.defaultYes, got, tc.want)
		}
	}
}
