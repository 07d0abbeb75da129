package terminal

import (
	"math"
	"strings"
	"time"
)

// Read-loop timing constants shared by any caller driving a PTY through
// the prompt heuristic.
const (
	// TickInterval is the poll interval for a shell read loop.
	TickInterval = 100 * time.Millisecond
	// ShellStartBudget bounds the wait for a shell's initial banner/prompt.
	ShellStartBudget = 1500 * time.Millisecond
	// CommandBudget bounds the wait for a single shell_send's output.
	CommandBudget = 2000 * time.Millisecond
)

// NoDataThreshold returns the number of consecutive empty ticks that ends
// a read loop early, independent of the overall wait budget: ceil(budget
// in seconds * 10), i.e. one tick's worth per 100ms of budget.
func NoDataThreshold(budget time.Duration) int {
	return int(math.Ceil(budget.Seconds() * 10))
}

// IsPromptLine reports whether a stripped line looks like a shell prompt:
// it ends in "$ ", "# ", or "> ", or it contains "@" alongside "$" or "#"
// (the common "user@host:~$ " shape before trailing whitespace is trimmed).
// A line still ending in "\r" is a line PTY output has not yet finished
// rendering (the carriage return comes before the terminating "\n"), so it
// is never accepted as a finished prompt.
func IsPromptLine(line string) bool {
	if line == "" || strings.HasSuffix(line, "\r") {
		return false
	}
	if strings.HasSuffix(line, "$ ") || strings.HasSuffix(line, "# ") || strings.HasSuffix(line, "> ") {
		return true
	}
	if strings.Contains(line, "@") && (strings.Contains(line, "$") || strings.Contains(line, "#")) {
		return true
	}
	return false
}

// LastNonEmptyLine returns the last non-blank line of s after splitting on
// "\n", or "" if every line is blank.
func LastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}
