package diff

import (
	"errors"
	"fmt"
	"strings"

	"workbench/internal/logging"
	"workbench/internal/metrics"
)

// endOfFile is reported as the actual text when a hunk runs past the end.
const endOfFile = "<end of file>"

// Apply applies diffText to original. It is all-or-nothing: on any error the
// original is left untouched and no partial result is returned. A diff with
// no hunks at all (blank text) is a no-op.
func (e *Engine) Apply(original, diffText string) (string, error) {
	result, err := apply(original, diffText)

	var conflict *PatchConflictError
	switch {
	case err == nil:
		metrics.DiffApplies.WithLabelValues("ok").Inc()
	case errors.As(err, &conflict):
		metrics.DiffApplies.WithLabelValues("conflict").Inc()
		logging.DiffDebug("Patch conflict: %v", err)
	default:
		metrics.DiffApplies.WithLabelValues("error").Inc()
		logging.DiffDebug("Apply failed: %v", err)
	}
	return result, err
}

func apply(original, diffText string) (string, error) {
	if strings.TrimSpace(diffText) == "" {
		return original, nil
	}
	doc, err := Parse(diffText)
	if err != nil {
		return "", &ApplyError{Reason: "malformed diff", Err: err}
	}
	if len(doc.Hunks) == 0 {
		return "", &ApplyError{Reason: "diff contains no hunks", Err: ErrMalformed}
	}

	src := splitText(original)
	out := make([]textLine, 0, len(src))
	cursor := 0

	for hi, h := range doc.Hunks {
		pos := h.OldStart - 1
		if h.OldLines == 0 {
			pos = h.OldStart
		}
		if pos < cursor || pos > len(src) {
			return "", &ApplyError{Reason: fmt.Sprintf("hunk %d starts at line %d, outside the original (%d lines)", hi+1, h.OldStart, len(src))}
		}
		out = append(out, src[cursor:pos]...)

		for _, line := range h.Lines {
			switch line.Type {
			case LineAdded:
				out = append(out, textLine{text: line.Content, eol: !line.NoNewline})
			default:
				want := textLine{text: line.Content, eol: !line.NoNewline}
				if pos >= len(src) {
					return "", &PatchConflictError{Hunk: hi + 1, Line: pos + 1, Expected: line.Content, Actual: endOfFile}
				}
				if src[pos] != want {
					return "", &PatchConflictError{Hunk: hi + 1, Line: pos + 1, Expected: describe(want), Actual: describe(src[pos])}
				}
				if line.Type == LineContext {
					out = append(out, src[pos])
				}
				pos++
			}
		}
		cursor = pos
	}
	out = append(out, src[cursor:]...)

	for i, l := range out[:max(0, len(out)-1)] {
		if !l.eol {
			return "", &ApplyError{Reason: fmt.Sprintf("line %d lacks a newline but is not the last line", i+1)}
		}
	}
	return joinText(out), nil
}

func describe(l textLine) string {
	if l.eol {
		return l.text
	}
	return l.text + " (no newline at end of file)"
}

// Reverse returns the diff that undoes diffText.
func (e *Engine) Reverse(diffText string) (string, error) {
	doc, err := Parse(diffText)
	if err != nil {
		return "", err
	}
	if len(doc.Hunks) == 0 {
		return "", fmt.Errorf("%w: no hunks to reverse", ErrMalformed)
	}

	rev := &Document{OldPath: doc.NewPath, NewPath: doc.OldPath}
	for _, h := range doc.Hunks {
		r := Hunk{
			OldStart: h.NewStart,
			OldLines: h.NewLines,
			NewStart: h.OldStart,
			NewLines: h.OldLines,
			Section:  h.Section,
		}
		ops := make([]operation, len(h.Lines))
		for i, line := range h.Lines {
			typ := line.Type
			switch typ {
			case LineAdded:
				typ = LineRemoved
			case LineRemoved:
				typ = LineAdded
			}
			ops[i] = operation{typ: typ, line: textLine{text: line.Content, eol: !line.NoNewline}}
		}
		for _, op := range normalizeChangeBlocks(ops) {
			r.Lines = append(r.Lines, Line{Type: op.typ, Content: op.line.text, NoNewline: !op.line.eol})
		}
		rev.Hunks = append(rev.Hunks, r)
	}
	return rev.String(), nil
}

// Stats counts changed lines in a diff.
type Stats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	Hunks     int `json:"hunks"`
}

// Stats counts additions and deletions. Text that does not parse is counted
// line by line inside anything that looks like a hunk.
func (e *Engine) Stats(diffText string) Stats {
	var s Stats
	if doc, err := Parse(diffText); err == nil {
		s.Hunks = len(doc.Hunks)
		for _, h := range doc.Hunks {
			for _, line := range h.Lines {
				switch line.Type {
				case LineAdded:
					s.Additions++
				case LineRemoved:
					s.Deletions++
				}
			}
		}
		return s
	}

	inHunk := false
	for _, line := range splitDiffLines(diffText) {
		switch {
		case strings.HasPrefix(line, "@@"):
			inHunk = true
			s.Hunks++
		case !inHunk:
		case strings.HasPrefix(line, "+"):
			s.Additions++
		case strings.HasPrefix(line, "-"):
			s.Deletions++
		}
	}
	return s
}

// Parse is a method form of the package-level Parse.
func (e *Engine) Parse(diffText string) (*Document, error) {
	return Parse(diffText)
}
