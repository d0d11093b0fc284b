package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Gate asks the operator to approve a list of pending actions.
type Gate interface {
	Confirm(title string, lines []string) (bool, error)
}

// TerminalGate prompts on a line-oriented terminal. Only y, yes, n and no
// are accepted (any case); anything else re-prompts. End of input declines.
type TerminalGate struct {
	scanner *bufio.Scanner
	out     io.Writer
}

// NewTerminalGate reads answers from in and writes prompts to out.
func NewTerminalGate(in io.Reader, out io.Writer) *TerminalGate {
	return &TerminalGate{scanner: bufio.NewScanner(in), out: out}
}

func (g *TerminalGate) Confirm(title string, lines []string) (bool, error) {
	fmt.Fprintln(g.out, title)
	for _, line := range lines {
		fmt.Fprintf(g.out, "  - %s\n", line)
	}

	for {
		fmt.Fprint(g.out, "Proceed? [y/n]: ")
		if !g.scanner.Scan() {
			if err := g.scanner.Err(); err != nil {
				return false, fmt.Errorf("failed to read answer: %w", err)
			}
			fmt.Fprintln(g.out)
			return false, nil
		}
		answer, ok := parseAnswer(g.scanner.Text())
		if ok {
			return answer, nil
		}
		fmt.Fprintln(g.out, "Please answer y or n.")
	}
}

func parseAnswer(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true, true
	case "n", "no":
		return false, true
	default:
		return false, false
	}
}

// AutoApprove approves every prompt without asking. Used for --yes.
type AutoApprove struct{}

func (AutoApprove) Confirm(title string, lines []string) (bool, error) {
	log.WithFields(log.Fields{
		"action": "AutoApprove.Confirm",
		"items":  len(lines),
	}).Info(title + " (auto-approved)")
	return true, nil
}
