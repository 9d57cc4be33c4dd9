package diff

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// NoNewlineMarker follows a diff line whose text has no trailing newline.
const NoNewlineMarker = `\ No newline at end of file`

// LineType represents the type of diff line
type LineType int

const (
	LineContext LineType = iota // Unchanged context line
	LineAdded                   // Added line
	LineRemoved                 // Removed line
)

func (t LineType) prefix() byte {
	switch t {
	case LineAdded:
		return '+'
	case LineRemoved:
		return '-'
	}
	return ' '
}

// String returns "context", "add" or "remove".
func (t LineType) String() string {
	switch t {
	case LineAdded:
		return "add"
	case LineRemoved:
		return "remove"
	}
	return "context"
}

// MarshalText lets LineType appear by name in JSON.
func (t LineType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Line is one body line of a hunk. NoNewline is set when the line is the
// last line of its file and that file does not end in a newline.
type Line struct {
	Type      LineType `json:"type"`
	Content   string   `json:"content"`
	NoNewline bool     `json:"no_newline,omitempty"`
}

// Hunk is a contiguous group of changes with surrounding context. Starts are
// 1-based; a side with zero lines uses the line number before the change.
type Hunk struct {
	OldStart int    `json:"old_start"`
	OldLines int    `json:"old_lines"`
	NewStart int    `json:"new_start"`
	NewLines int    `json:"new_lines"`
	Section  string `json:"section,omitempty"`
	Lines    []Line `json:"lines"`
}

// Header renders the "@@ -a,b +c,d @@" line.
func (h Hunk) Header() string {
	header := fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldLines, h.NewStart, h.NewLines)
	if h.Section != "" {
		header += " " + h.Section
	}
	return header
}

// computeCounts sets OldLines and NewLines from the body.
func (h *Hunk) computeCounts() {
	h.OldLines, h.NewLines = 0, 0
	for _, line := range h.Lines {
		if line.Type != LineAdded {
			h.OldLines++
		}
		if line.Type != LineRemoved {
			h.NewLines++
		}
	}
}

// Document is a parsed single-file unified diff.
type Document struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
	Hunks   []Hunk `json:"hunks"`
}

// String renders the document as unified diff text.
func (d *Document) String() string {
	var b strings.Builder
	oldPath, newPath := d.OldPath, d.NewPath
	if oldPath == "" {
		oldPath = "original"
	}
	if newPath == "" {
		newPath = "modified"
	}
	b.WriteString("--- " + oldPath + "\n")
	b.WriteString("+++ " + newPath + "\n")
	for _, h := range d.Hunks {
		b.WriteString(h.Header())
		b.WriteByte('\n')
		for _, line := range h.Lines {
			b.WriteByte(line.Type.prefix())
			b.WriteString(line.Content)
			b.WriteByte('\n')
			if line.NoNewline {
				b.WriteString(NoNewlineMarker)
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

// ErrMalformed is wrapped by every Parse error.
var ErrMalformed = errors.New("malformed diff")

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@ ?(.*)$`)

// parseHunkHeader returns the hunk with its ranges set.
func parseHunkHeader(line string) (Hunk, bool) {
	m := hunkHeaderRe.FindStringSubmatch(line)
	if m == nil {
		return Hunk{}, false
	}
	atoi := func(s string, def int) int {
		if s == "" {
			return def
		}
		n, _ := strconv.Atoi(s)
		return n
	}
	return Hunk{
		OldStart: atoi(m[1], 0),
		OldLines: atoi(m[2], 1),
		NewStart: atoi(m[3], 0),
		NewLines: atoi(m[4], 1),
		Section:  m[5],
	}, true
}

// Parse reads a single-file unified diff. Git-style preamble lines before the
// --- header are skipped; headers themselves are optional. Inside a hunk an
// empty line is read as an empty context line.
func Parse(text string) (*Document, error) {
	lines := splitDiffLines(text)
	doc := &Document{}

	i := 0
	for i < len(lines) && !strings.HasPrefix(lines[i], "--- ") && !strings.HasPrefix(lines[i], "@@") {
		i++
	}
	if i < len(lines) && strings.HasPrefix(lines[i], "--- ") {
		doc.OldPath = headerPath(lines[i][4:])
		i++
		if i >= len(lines) || !strings.HasPrefix(lines[i], "+++ ") {
			return nil, fmt.Errorf("%w: line %d: expected +++ header", ErrMalformed, i+1)
		}
		doc.NewPath = headerPath(lines[i][4:])
		i++
	}

	for i < len(lines) {
		line := lines[i]
		if strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "diff ") {
			return nil, fmt.Errorf("%w: line %d: multi-file diffs are not supported", ErrMalformed, i+1)
		}
		hunk, ok := parseHunkHeader(line)
		if !ok {
			return nil, fmt.Errorf("%w: line %d: expected hunk header, found %q", ErrMalformed, i+1, line)
		}
		if len(doc.Hunks) > 0 {
			prev := doc.Hunks[len(doc.Hunks)-1]
			if hunk.OldStart < prev.OldStart+prev.OldLines {
				return nil, fmt.Errorf("%w: line %d: hunks overlap or are out of order", ErrMalformed, i+1)
			}
		}
		i++

		wantOld, wantNew := hunk.OldLines, hunk.NewLines
		oldSeen, newSeen := 0, 0
		for i < len(lines) && (oldSeen < wantOld || newSeen < wantNew) {
			body := lines[i]
			var l Line
			switch {
			case body == "":
				l = Line{Type: LineContext}
			case body[0] == ' ':
				l = Line{Type: LineContext, Content: body[1:]}
			case body[0] == '+':
				l = Line{Type: LineAdded, Content: body[1:]}
			case body[0] == '-':
				l = Line{Type: LineRemoved, Content: body[1:]}
			case body[0] == '\\':
				if len(hunk.Lines) == 0 {
					return nil, fmt.Errorf("%w: line %d: no-newline marker before any line", ErrMalformed, i+1)
				}
				hunk.Lines[len(hunk.Lines)-1].NoNewline = true
				i++
				continue
			default:
				return nil, fmt.Errorf("%w: line %d: invalid hunk line %q", ErrMalformed, i+1, body)
			}
			if l.Type != LineAdded {
				oldSeen++
			}
			if l.Type != LineRemoved {
				newSeen++
			}
			hunk.Lines = append(hunk.Lines, l)
			i++
		}
		if oldSeen != wantOld || newSeen != wantNew {
			return nil, fmt.Errorf("%w: hunk %d: header %s does not match body (-%d +%d)",
				ErrMalformed, len(doc.Hunks)+1, hunk.Header(), oldSeen, newSeen)
		}
		if i < len(lines) && strings.HasPrefix(lines[i], `\`) && len(hunk.Lines) > 0 {
			hunk.Lines[len(hunk.Lines)-1].NoNewline = true
			i++
		}
		doc.Hunks = append(doc.Hunks, hunk)
	}
	return doc, nil
}

// splitDiffLines splits diff text into lines without their terminators.
func splitDiffLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// headerPath strips a trailing timestamp from a ---/+++ header value.
func headerPath(s string) string {
	if i := strings.IndexByte(s, '\t'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
