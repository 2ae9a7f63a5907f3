// Package cli provides line-oriented terminal prompts for the hub's setup
// wizard.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
)

// Prompter reads answers from In and writes questions to Out.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// DefaultPrompter returns a Prompter on stdin and stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) readLine() string {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	return ""
}

func (p *Prompter) printf(format string, a ...any) {
	_, _ = fmt.Fprintf(p.Out, format, a...)
}

// Ask reads one line. An empty answer returns defaultVal.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		p.printf("%s [%s]: ", question, defaultVal)
	} else {
		p.printf("%s: ", question)
	}
	if line := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// askValid repeats the question until accept returns true, printing hint
// after each rejected answer. Once input is exhausted Ask keeps returning
// defaultVal, which callers pass in an accepted form.
func (p *Prompter) askValid(question, defaultVal, hint string, accept func(string) bool) string {
	for {
		ans := p.Ask(question, defaultVal)
		if accept(ans) {
			return ans
		}
		p.printf("  %s\n", hint)
	}
}

// AskPassword reads a line without echo when In is a terminal.
func (p *Prompter) AskPassword(question string) string {
	p.printf("%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.readLine()
}

// AskInt asks for a positive integer.
func (p *Prompter) AskInt(question string, defaultVal int) int {
	var n int
	p.askValid(question, strconv.Itoa(defaultVal), "Please enter a positive number.", func(s string) bool {
		v, err := strconv.Atoi(s)
		n = v
		return err == nil && v > 0
	})
	return n
}

// AskDuration asks for a positive duration in time.ParseDuration syntax.
// A bare number is read as seconds.
func (p *Prompter) AskDuration(question string, defaultVal time.Duration) time.Duration {
	var d time.Duration
	p.askValid(question, FormatDuration(defaultVal), "Please enter a duration such as 90s, 25m or 6h.", func(s string) bool {
		v, err := ParseDuration(s)
		d = v
		return err == nil && v > 0
	})
	return d
}

// AskList asks for a comma separated list. An empty answer returns
// defaultVal.
func (p *Prompter) AskList(question string, defaultVal []string) []string {
	ans := p.Ask(question, strings.Join(defaultVal, ", "))
	return SplitList(ans)
}

// Choose prints numbered options and returns the chosen one.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		p.printf("%s%d) %s\n", marker, i+1, opt)
	}

	hint := fmt.Sprintf("Please enter a number between 1 and %d.", len(options))
	choice := p.askValid("Choice", strconv.Itoa(defaultIdx+1), hint, func(s string) bool {
		n, err := strconv.Atoi(s)
		return err == nil && n >= 1 && n <= len(options)
	})
	n, _ := strconv.Atoi(choice)
	return options[n-1]
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}

// SplitList splits a comma separated answer, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseDuration accepts time.ParseDuration syntax or a bare number of
// seconds.
func ParseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// FormatDuration prints d without trailing zero units: 6h, 25m, 1h30m.
func FormatDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "h0m") {
		s = s[:len(s)-2]
	}
	return s
}
