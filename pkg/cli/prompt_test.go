package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{In: strings.NewReader(input), Out: out}, out
}

func TestAsk(t *testing.T) {
	tests := []struct {
		name, input, def, want string
	}{
		{"answer", "hub-1\n", "default", "hub-1"},
		{"empty uses default", "\n", "fallback", "fallback"},
		{"whitespace uses default", "   \n", "fallback", "fallback"},
		{"eof uses default", "", "fallback", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPrompter(tt.input)
			if got := p.Ask("Name", tt.def); got != tt.want {
				t.Errorf("Ask() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAskPassword_Fallback(t *testing.T) {
	// Not a terminal, so the answer is read as a plain line.
	p, _ := newTestPrompter("s3cret\n")
	if got := p.AskPassword("Secret"); got != "s3cret" {
		t.Errorf("AskPassword() = %q, want %q", got, "s3cret")
	}
}

func TestAskInt(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
		hints int
	}{
		{"answer", "5\n", 5, 0},
		{"default", "\n", 3, 0},
		{"retries until valid", "zero\n-2\n7\n", 7, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, out := newTestPrompter(tt.input)
			if got := p.AskInt("Audience", 3); got != tt.want {
				t.Errorf("AskInt() = %d, want %d", got, tt.want)
			}
			if n := strings.Count(out.String(), "positive number"); n != tt.hints {
				t.Errorf("printed %d hints, want %d", n, tt.hints)
			}
		})
	}
}

func TestAskDuration(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Duration
	}{
		{"go syntax", "90m\n", 90 * time.Minute},
		{"bare seconds", "45\n", 45 * time.Second},
		{"default", "\n", 6 * time.Hour},
		{"retries until valid", "soon\n0s\n2h\n", 2 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, out := newTestPrompter(tt.input)
			if got := p.AskDuration("Session TTL", 6*time.Hour); got != tt.want {
				t.Errorf("AskDuration() = %v, want %v", got, tt.want)
			}
			if !strings.Contains(out.String(), "[6h]") {
				t.Errorf("default not shown as 6h: %q", out.String())
			}
		})
	}
}

func TestAskList(t *testing.T) {
	p, _ := newTestPrompter(" a, ,b ,c\n\n")
	if got := strings.Join(p.AskList("IDs", nil), "|"); got != "a|b|c" {
		t.Errorf("AskList() = %q", got)
	}
	if got := strings.Join(p.AskList("IDs", []string{"x", "y"}), "|"); got != "x|y" {
		t.Errorf("AskList() default = %q", got)
	}
}

func TestChoose(t *testing.T) {
	options := []string{"memory", "redis", "sqlite"}
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"selection", "2\n", "redis"},
		{"default", "\n", "sqlite"},
		{"out of range retries", "9\n1\n", "memory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPrompter(tt.input)
			if got := p.Choose("Backend", options, 2); got != tt.want {
				t.Errorf("Choose() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"Yes\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
	}
	for _, tt := range tests {
		p, _ := newTestPrompter(tt.input)
		if got := p.Confirm("Continue?", tt.defaultYes); got != tt.want {
			t.Errorf("Confirm(%q, default %v) = %v, want %v", tt.input, tt.defaultYes, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[time.Duration]string{
		6 * time.Hour:          "6h",
		25 * time.Minute:       "25m",
		90 * time.Minute:       "1h30m",
		90 * time.Second:       "1m30s",
		500 * time.Millisecond: "500ms",
		25 * time.Hour:         "25h",
	}
	for d, want := range tests {
		if got := FormatDuration(d); got != want {
			t.Errorf("FormatDuration(%v) = %q, want %q", d, got, want)
		}
		if back, err := ParseDuration(FormatDuration(d)); err != nil || back != d {
			t.Errorf("ParseDuration(%q) = %v, %v", FormatDuration(d), back, err)
		}
	}
}
