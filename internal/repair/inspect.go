package repair

import (
	"fmt"
	"regexp"
	"strings"

	"workbench/internal/logging"
)

// maxOutputIssues caps how many output lines are reported per iteration.
const maxOutputIssues = 10

// Inspector decides whether a step result needs repair.
type Inspector struct {
	patterns []signalPattern
}

type signalPattern struct {
	name  string
	regex *regexp.Regexp
}

// NewInspector creates an inspector with the default error signals.
func NewInspector() *Inspector {
	in := &Inspector{}
	in.compilePatterns()
	return in
}

func (in *Inspector) compilePatterns() {
	in.patterns = []signalPattern{
		{"module not found", regexp.MustCompile(`(?i)cannot find module|module not found|could not resolve`)},
		{"syntax error", regexp.MustCompile(`(?i)syntaxerror|syntax error|unexpected token`)},
		{"missing file", regexp.MustCompile(`(?i)\benoent\b|no such file or directory`)},
		{"command not found", regexp.MustCompile(`(?i)command not found|not recognized as an internal or external command`)},
		{"stack trace", regexp.MustCompile(`^\s+at .+[:(]\d+:\d+\)?$|(?i)traceback \(most recent call last\)|^goroutine \d+ \[`)},
		{"panic", regexp.MustCompile(`(?i)^panic:|unhandled promise rejection`)},
		{"exception", regexp.MustCompile(`(?i)\bexception\b`)},
		{"failure", regexp.MustCompile(`(?i)\bfailed\b|\bfailure\b|npm err!`)},
		{"error", regexp.MustCompile(`(?i)\berror\b`)},
	}
}

// benignRe matches summary lines that mention errors without reporting one.
var benignRe = regexp.MustCompile(`(?i)\b(0|no) (errors?|failures?|failed)\b|without errors`)

// Inspect reports whether r needs repair, its risk and the issues found.
// Failed tool calls and error-signalling output lines both count. Risk is
// the caller's classification in any case, defaulting to low; a level that
// cannot be parsed counts as high and is reported as an issue.
func (in *Inspector) Inspect(r StepResult) (needsRepair bool, risk RiskLevel, issues []string) {
	risk, err := ParseRiskLevel(string(r.Risk))
	if err != nil {
		logging.RepairWarn("Treating step as high risk: %v", err)
		risk = RiskHigh
		issues = append(issues, err.Error())
	}

	for _, tr := range r.ToolResults {
		if tr.Success {
			continue
		}
		issue := fmt.Sprintf("tool %s failed", tr.Tool)
		if tr.Code != "" {
			issue += " (" + tr.Code + ")"
		}
		if tr.Message != "" {
			issue += ": " + tr.Message
		}
		issues = append(issues, issue)
	}

	issues = append(issues, in.scanOutput(r.Output)...)
	return len(issues) > 0, risk, issues
}

func (in *Inspector) scanOutput(output string) []string {
	var issues []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(output, "\n") {
		if len(issues) >= maxOutputIssues {
			break
		}
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || benignRe.MatchString(line) {
			continue
		}
		for _, p := range in.patterns {
			if !p.regex.MatchString(line) {
				continue
			}
			issue := p.name + ": " + strings.TrimSpace(line)
			if !seen[issue] {
				seen[issue] = true
				issues = append(issues, issue)
			}
			break
		}
	}
	return issues
}

// FollowUp builds the instruction for the next iteration from the issues the
// previous one produced.
func FollowUp(task string, attempt, maxAttempts int, issues []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Repair attempt %d of %d.\n\n", attempt, maxAttempts)
	sb.WriteString("Original task:\n")
	sb.WriteString(task)
	sb.WriteString("\n\nIssues detected in the previous step:\n")
	for i, issue := range issues {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, issue)
	}
	sb.WriteString("\nFix these issues and run the step again.")
	if attempt == maxAttempts {
		sb.WriteString(" This is the final attempt; prefer the smallest change that resolves the first issue.")
	}
	return sb.String()
}
