// Package diff generates, applies and inspects unified diffs. Generation uses
// the sergi/go-diff Myers implementation over whole lines.
//
// Trailing newlines are tracked per line, so a round trip through Generate
// and Apply reproduces the input byte for byte whether or not it ends in a
// newline.
package diff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"workbench/internal/logging"
)

// DefaultContext is the number of unchanged lines shown around a change.
const DefaultContext = 3

// Engine is the diff engine. It holds no per-call state and is safe for
// concurrent use.
type Engine struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

// NewEngine creates a new diff engine with optimal settings
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	// Disable timeout for accuracy; results must be deterministic.
	dmp.DiffTimeout = 0
	return &Engine{dmp: dmp}
}

// DefaultEngine is a singleton engine for general use
var DefaultEngine = NewEngine()

// Generate returns a unified diff turning original into modified, with
// context lines of context around each change. Identical inputs produce "".
func (e *Engine) Generate(original, modified string, context int) string {
	return e.GenerateFile("original", "modified", original, modified, context)
}

// GenerateFile is Generate with explicit ---/+++ header paths.
func (e *Engine) GenerateFile(oldPath, newPath, original, modified string, context int) string {
	doc := e.Compute(oldPath, newPath, original, modified, context)
	if len(doc.Hunks) == 0 {
		return ""
	}
	return doc.String()
}

// Compute builds the diff document between original and modified. A negative
// context selects DefaultContext.
func (e *Engine) Compute(oldPath, newPath, original, modified string, context int) *Document {
	if context < 0 {
		context = DefaultContext
	}
	ops := e.diffsToOperations(original, modified)
	doc := &Document{
		OldPath: oldPath,
		NewPath: newPath,
		Hunks:   groupIntoHunks(ops, context),
	}
	logging.DiffDebug("Computed diff %s -> %s: %d hunks", oldPath, newPath, len(doc.Hunks))
	return doc
}

// Generate is a convenience function using the default engine.
func Generate(original, modified string, context int) string {
	return DefaultEngine.Generate(original, modified, context)
}

// textLine is one line of a file plus whether it ended in a newline.
type textLine struct {
	text string
	eol  bool
}

func splitText(s string) []textLine {
	if s == "" {
		return nil
	}
	parts := strings.SplitAfter(s, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	lines := make([]textLine, len(parts))
	for i, p := range parts {
		text, eol := strings.CutSuffix(p, "\n")
		lines[i] = textLine{text: text, eol: eol}
	}
	return lines
}

func joinText(lines []textLine) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.text)
		if l.eol {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// operation represents a single line operation
type operation struct {
	typ  LineType
	line textLine
}

// lineRune maps a line index to a valid rune, skipping the surrogate range so
// the rune survives conversion to string.
func lineRune(i int) rune {
	r := rune(i + 1)
	if r >= 0xD800 {
		r += 0x800
	}
	return r
}

func runeLine(r rune) int {
	if r >= 0xD800+0x800 {
		r -= 0x800
	}
	return int(r) - 1
}

// diffsToOperations diffs the two texts line by line. Each distinct line
// (including whether it is newline-terminated) is encoded as one rune so the
// character diff of the encodings is a line diff.
func (e *Engine) diffsToOperations(original, modified string) []operation {
	var table []textLine
	index := make(map[textLine]int)
	encode := func(lines []textLine) []rune {
		runes := make([]rune, len(lines))
		for i, l := range lines {
			idx, ok := index[l]
			if !ok {
				idx = len(table)
				index[l] = idx
				table = append(table, l)
			}
			runes[i] = lineRune(idx)
		}
		return runes
	}
	a := encode(splitText(original))
	b := encode(splitText(modified))

	var ops []operation
	for _, d := range e.dmp.DiffMainRunes(a, b, false) {
		typ := LineContext
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			typ = LineAdded
		case diffmatchpatch.DiffDelete:
			typ = LineRemoved
		}
		for _, r := range d.Text {
			ops = append(ops, operation{typ: typ, line: table[runeLine(r)]})
		}
	}
	return normalizeChangeBlocks(ops)
}

// normalizeChangeBlocks orders each run of changes as removals followed by
// additions, the conventional unified diff layout.
func normalizeChangeBlocks(ops []operation) []operation {
	out := make([]operation, 0, len(ops))
	for i := 0; i < len(ops); {
		if ops[i].typ == LineContext {
			out = append(out, ops[i])
			i++
			continue
		}
		j := i
		for j < len(ops) && ops[j].typ != LineContext {
			j++
		}
		for _, op := range ops[i:j] {
			if op.typ == LineRemoved {
				out = append(out, op)
			}
		}
		for _, op := range ops[i:j] {
			if op.typ == LineAdded {
				out = append(out, op)
			}
		}
		i = j
	}
	return out
}

// groupIntoHunks groups operations into hunks with context. Changes separated
// by at most 2*context unchanged lines share a hunk.
func groupIntoHunks(ops []operation, context int) []Hunk {
	n := len(ops)
	oldBefore := make([]int, n+1)
	newBefore := make([]int, n+1)
	for i, op := range ops {
		oldBefore[i+1] = oldBefore[i]
		newBefore[i+1] = newBefore[i]
		if op.typ != LineAdded {
			oldBefore[i+1]++
		}
		if op.typ != LineRemoved {
			newBefore[i+1]++
		}
	}

	var hunks []Hunk
	for i := 0; i < n; {
		if ops[i].typ == LineContext {
			i++
			continue
		}

		start := max(0, i-context)
		end := i
		for j := i; j < n; {
			if ops[j].typ != LineContext {
				j++
				end = j
				continue
			}
			k := j
			for k < n && ops[k].typ == LineContext {
				k++
			}
			if k == n || k-j > 2*context {
				break
			}
			j = k
		}
		stop := min(n, end+context)

		hunk := Hunk{Lines: make([]Line, 0, stop-start)}
		for _, op := range ops[start:stop] {
			hunk.Lines = append(hunk.Lines, Line{
				Type:      op.typ,
				Content:   op.line.text,
				NoNewline: !op.line.eol,
			})
		}
		hunk.computeCounts()
		hunk.OldStart = oldBefore[start] + 1
		if hunk.OldLines == 0 {
			hunk.OldStart = oldBefore[start]
		}
		hunk.NewStart = newBefore[start] + 1
		if hunk.NewLines == 0 {
			hunk.NewStart = newBefore[start]
		}
		hunks = append(hunks, hunk)
		i = stop
	}
	return hunks
}

// ComputeWordLevelDiff computes word-level differences within a line
// This is useful for highlighting specific changes within modified lines
func (e *Engine) ComputeWordLevelDiff(oldLine, newLine string) []diffmatchpatch.Diff {
	diffs := e.dmp.DiffMain(oldLine, newLine, false)
	diffs = e.dmp.DiffCleanupSemantic(diffs)
	return diffs
}
