package diff

import (
	"fmt"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

// ValidationResult lists every problem found in a diff.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validate checks diffText is a well-formed single-file unified diff: ---
// and +++ headers, at least one hunk header, every body line prefixed with
// ' ', '+' or '-' (or the no-newline marker), and hunk line counts that
// match their headers. Structurally sound text is then cross-checked with an
// independent unified diff parser.
func (e *Engine) Validate(diffText string) ValidationResult {
	var errs []string
	addf := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	lines := splitDiffLines(diffText)
	if len(strings.TrimSpace(diffText)) == 0 {
		return ValidationResult{Errors: []string{"diff is empty"}}
	}

	sawOld, sawNew := false, false
	hunks := 0
	i := 0
	for i < len(lines) {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "--- "):
			if sawOld {
				addf("line %d: second --- header; only single-file diffs are supported", i+1)
			}
			sawOld = true
			if i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "+++ ") {
				addf("line %d: --- header not followed by +++ header", i+1)
			} else {
				sawNew = true
				i++
			}
			i++

		case strings.HasPrefix(line, "@@"):
			h, ok := parseHunkHeader(line)
			if !ok {
				addf("line %d: malformed hunk header %q", i+1, line)
				i++
				for i < len(lines) && !strings.HasPrefix(lines[i], "@@") && !strings.HasPrefix(lines[i], "--- ") {
					i++
				}
				continue
			}
			if !sawOld || !sawNew {
				addf("line %d: hunk before ---/+++ headers", i+1)
			}
			hunks++
			i = e.validateHunkBody(lines, i+1, hunks, h, addf)

		case !sawOld && hunks == 0:
			// Preamble such as "diff --git" or "index" lines.
			i++

		default:
			addf("line %d: unexpected line outside a hunk: %q", i+1, line)
			i++
		}
	}

	if !sawOld {
		errs = append([]string{"missing --- header"}, errs...)
	} else if !sawNew {
		errs = append([]string{"missing +++ header"}, errs...)
	}
	if hunks == 0 {
		addf("no @@ -a,b +c,d @@ hunk header found")
	}

	if len(errs) == 0 {
		if _, err := godiff.NewMultiFileDiffReader(strings.NewReader(diffText)).ReadAllFiles(); err != nil {
			addf("unified diff parser: %v", err)
		}
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// validateHunkBody checks the body starting at lines[i] against h and returns
// the index of the first line after it.
func (e *Engine) validateHunkBody(lines []string, i, n int, h Hunk, addf func(string, ...interface{})) int {
	oldSeen, newSeen := 0, 0
	lastWasLine := false
	for i < len(lines) {
		line := lines[i]
		if oldSeen >= h.OldLines && newSeen >= h.NewLines && !strings.HasPrefix(line, `\`) {
			break
		}
		switch {
		case line == "":
			addf("line %d: empty line in hunk %d (context lines need a leading space)", i+1, n)
			oldSeen++
			newSeen++
			lastWasLine = true
		case line[0] == ' ':
			oldSeen++
			newSeen++
			lastWasLine = true
		case line[0] == '-':
			oldSeen++
			lastWasLine = true
		case line[0] == '+':
			newSeen++
			lastWasLine = true
		case line[0] == '\\':
			if line != NoNewlineMarker {
				addf("line %d: unknown marker %q", i+1, line)
			} else if !lastWasLine {
				addf("line %d: no-newline marker does not follow a diff line", i+1)
			}
			lastWasLine = false
		default:
			if strings.HasPrefix(line, "@@") || strings.HasPrefix(line, "--- ") {
				addf("hunk %d: body ends early (-%d +%d of %s)", n, oldSeen, newSeen, h.Header())
				return i
			}
			addf("line %d: hunk %d line lacks ' ', '+' or '-' prefix: %q", i+1, n, line)
		}
		i++
	}
	if oldSeen != h.OldLines || newSeen != h.NewLines {
		addf("hunk %d: header %s does not match body (-%d +%d)", n, h.Header(), oldSeen, newSeen)
	}
	return i
}
