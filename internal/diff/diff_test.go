package diff

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Example(t *testing.T) {
	got := NewEngine().Generate("a\nb\nc", "a\nx\nc", 3)

	want := "--- original\n+++ modified\n" +
		"@@ -1,3 +1,3 @@\n" +
		" a\n" +
		"-b\n" +
		"+x\n" +
		" c\n" +
		NoNewlineMarker + "\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Generate mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerate_Identical(t *testing.T) {
	assert.Empty(t, NewEngine().Generate("same\n", "same\n", 3))
	assert.Empty(t, NewEngine().Generate("", "", 3))
}

func TestGenerate_Deterministic(t *testing.T) {
	e := NewEngine()
	a := "one\ntwo\nthree\nfour\nfive\n"
	b := "one\n2\nthree\nfour\nfive\nsix\n"
	assert.Equal(t, e.Generate(a, b, 3), e.Generate(a, b, 3))
}

func TestCompute_Hunks(t *testing.T) {
	original := lines(1, 20)
	modified := strings.Replace(original, "line 3\n", "line three\n", 1)
	modified = strings.Replace(modified, "line 17\n", "line seventeen\n", 1)

	doc := NewEngine().Compute("a/f.txt", "b/f.txt", original, modified, 2)
	require.Len(t, doc.Hunks, 2)

	want := Hunk{
		OldStart: 1, OldLines: 5, NewStart: 1, NewLines: 5,
		Lines: []Line{
			{Type: LineContext, Content: "line 1"},
			{Type: LineContext, Content: "line 2"},
			{Type: LineRemoved, Content: "line 3"},
			{Type: LineAdded, Content: "line three"},
			{Type: LineContext, Content: "line 4"},
			{Type: LineContext, Content: "line 5"},
		},
	}
	if diff := cmp.Diff(want, doc.Hunks[0]); diff != "" {
		t.Errorf("first hunk mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "@@ -15,5 +15,5 @@", doc.Hunks[1].Header())

	// With a wider context the two changes merge into one hunk.
	doc = NewEngine().Compute("a/f.txt", "b/f.txt", original, modified, 7)
	require.Len(t, doc.Hunks, 1)
	assert.Equal(t, "@@ -1,20 +1,20 @@", doc.Hunks[0].Header())
}

func TestCompute_NewAndDeletedFile(t *testing.T) {
	e := NewEngine()

	created := e.Compute("", "", "", "x\ny\n", 3)
	require.Len(t, created.Hunks, 1)
	assert.Equal(t, "@@ -0,0 +1,2 @@", created.Hunks[0].Header())

	deleted := e.Compute("", "", "x\ny\n", "", 3)
	require.Len(t, deleted.Hunks, 1)
	assert.Equal(t, "@@ -1,2 +0,0 @@", deleted.Hunks[0].Header())
}

func TestCompute_ZeroContextInsertion(t *testing.T) {
	doc := NewEngine().Compute("", "", "a\nb\n", "a\nnew\nb\n", 0)
	require.Len(t, doc.Hunks, 1)
	assert.Equal(t, "@@ -1,0 +2,1 @@", doc.Hunks[0].Header())

	out, err := NewEngine().Apply("a\nb\n", doc.String())
	require.NoError(t, err)
	assert.Equal(t, "a\nnew\nb\n", out)
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name, original, modified string
	}{
		{"simple edit", "a\nb\nc", "a\nx\nc"},
		{"add trailing newline", "a\nb", "a\nb\n"},
		{"remove trailing newline", "a\nb\n", "a\nb"},
		{"append without newline", "a\n", "a\nb"},
		{"create", "", "hello\nworld\n"},
		{"delete all", "hello\nworld\n", ""},
		{"blank lines", "\n\n\n", "\n\nx\n\n"},
		{"crlf", "a\r\nb\r\n", "a\r\nc\r\n"},
		{"insert at top", "b\nc\n", "a\nb\nc\n"},
		{"far apart", lines(1, 40), strings.Replace(strings.Replace(lines(1, 40), "line 2\n", "", 1), "line 39\n", "line 39\nline 39.5\n", 1)},
		{"diff-like content", "--- x\n+++ y\n@@ -1 +1 @@\n", "--- x\n+++ z\n@@ -1 +1 @@\n\\ tricky\n"},
	}
	e := NewEngine()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assertRoundTrip(t, e, tc.original, tc.modified)
		})
	}
}

func TestRoundTrip_Random(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	vocab := []string{"foo", "bar", "baz", "", "  indented", "-dash", "+plus", "\\slash"}
	randomText := func() string {
		n := rng.Intn(12)
		var b strings.Builder
		for i := 0; i < n; i++ {
			b.WriteString(vocab[rng.Intn(len(vocab))])
			if i < n-1 || rng.Intn(2) == 0 {
				b.WriteByte('\n')
			}
		}
		return b.String()
	}

	e := NewEngine()
	for i := 0; i < 300; i++ {
		original, modified := randomText(), randomText()
		t.Run(fmt.Sprintf("case%d", i), func(t *testing.T) {
			assertRoundTrip(t, e, original, modified)
		})
	}
}

func assertRoundTrip(t *testing.T, e *Engine, original, modified string) {
	t.Helper()
	for _, context := range []int{0, 1, 3} {
		d := e.Generate(original, modified, context)
		if original != modified {
			assert.True(t, e.Validate(d).Valid, "context %d: generated diff invalid: %v\n%s", context, e.Validate(d).Errors, d)
		}

		got, err := e.Apply(original, d)
		require.NoError(t, err, "context %d:\n%s", context, d)
		require.Equal(t, modified, got, "apply, context %d:\n%s", context, d)

		if d == "" {
			continue
		}
		rev, err := e.Reverse(d)
		require.NoError(t, err)
		back, err := e.Apply(modified, rev)
		require.NoError(t, err, "reverse, context %d:\n%s", context, rev)
		require.Equal(t, original, back, "reverse, context %d:\n%s", context, rev)
	}
}

func TestApply_Conflict(t *testing.T) {
	e := NewEngine()
	d := e.Generate("a\nb\nc\n", "a\nx\nc\n", 3)

	out, err := e.Apply("a\nB\nc\n", d)
	assert.Empty(t, out)
	var conflict *PatchConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, 1, conflict.Hunk)
	assert.Equal(t, 2, conflict.Line)
	assert.Equal(t, "b", conflict.Expected)
	assert.Equal(t, "B", conflict.Actual)
}

func TestApply_ConflictOnNewlineOnly(t *testing.T) {
	e := NewEngine()
	d := e.Generate("a\nb", "a\nc", 3)

	_, err := e.Apply("a\nb\n", d)
	var conflict *PatchConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Contains(t, conflict.Expected, "no newline")
}

func TestApply_AllOrNothing(t *testing.T) {
	e := NewEngine()
	original := lines(1, 30)
	modified := strings.Replace(strings.Replace(original, "line 2\n", "two\n", 1), "line 28\n", "twenty-eight\n", 1)
	d := e.Generate(original, modified, 3)

	// The second hunk no longer matches, so the first must not be applied.
	drifted := strings.Replace(original, "line 28\n", "changed\n", 1)
	out, err := e.Apply(drifted, d)
	var conflict *PatchConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 2, conflict.Hunk)
	assert.Empty(t, out)
}

func TestApply_PastEndOfFile(t *testing.T) {
	d := "--- a\n+++ b\n@@ -3,2 +3,2 @@\n x\n-y\n+z\n"
	_, err := NewEngine().Apply("x\n", d)
	var applyErr *ApplyError
	require.True(t, errors.As(err, &applyErr), "got %v", err)

	d = "--- a\n+++ b\n@@ -1,2 +1,2 @@\n x\n-y\n+z\n"
	_, err = NewEngine().Apply("x\n", d)
	var conflict *PatchConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, endOfFile, conflict.Actual)
}

func TestApply_Malformed(t *testing.T) {
	e := NewEngine()
	for _, d := range []string{
		"--- a\n+++ b\n@@ -1,2 +1,2 @@\n a\n",
		"--- a\n@@ -1 +1 @@\n-a\n+b\n",
		"--- a\n+++ b\n@@ -1 +1 @@\n-a\n+b\n--- c\n+++ d\n@@ -1 +1 @@\n-a\n+b\n",
		"just some text\n",
		"--- a\n+++ b\n@@ -1 +1 @@\n?a\n+b\n",
	} {
		_, err := e.Apply("a\n", d)
		var applyErr *ApplyError
		assert.True(t, errors.As(err, &applyErr), "diff %q: got %v", d, err)
		assert.ErrorIs(t, err, ErrMalformed, d)
	}

	_, err := e.Apply("a\n", "--- a\n+++ b\n")
	var applyErr *ApplyError
	assert.True(t, errors.As(err, &applyErr))
}

func TestApply_EmptyDiffIsNoOp(t *testing.T) {
	out, err := NewEngine().Apply("keep\n", "  \n")
	require.NoError(t, err)
	assert.Equal(t, "keep\n", out)
}

func TestParse_LenientInput(t *testing.T) {
	d := "diff --git a/x.ts b/x.ts\n" +
		"index 123..456 100644\n" +
		"--- a/x.ts\t2024-01-01 00:00:00\n" +
		"+++ b/x.ts\n" +
		"@@ -1,3 +1,3 @@ function main()\n" +
		" a\n" +
		"\n" +
		"-b\n" +
		"+c\n"

	doc, err := Parse(d)
	require.NoError(t, err)
	want := &Document{
		OldPath: "a/x.ts",
		NewPath: "b/x.ts",
		Hunks: []Hunk{{
			OldStart: 1, OldLines: 3, NewStart: 1, NewLines: 3,
			Section: "function main()",
			Lines: []Line{
				{Type: LineContext, Content: "a"},
				{Type: LineContext, Content: ""},
				{Type: LineRemoved, Content: "b"},
				{Type: LineAdded, Content: "c"},
			},
		}},
	}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Errorf("Parse mismatch (-want +got):\n%s", diff)
	}

	doc, err = Parse("@@ -1 +1 @@\n-a\n+b\n")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Hunks[0].OldLines)
}

func TestDocument_StringRoundTrip(t *testing.T) {
	d := NewEngine().Generate("a\nb\nc\nd\n", "a\nB\nc\nd", 1)
	doc, err := Parse(d)
	require.NoError(t, err)
	assert.Equal(t, d, doc.String())
}

func TestValidate(t *testing.T) {
	e := NewEngine()

	valid := "--- a/f\n+++ b/f\n@@ -1,2 +1,2 @@\n a\n-b\n+c\n\\ No newline at end of file\n"
	res := e.Validate(valid)
	assert.True(t, res.Valid, "%v", res.Errors)
	assert.Empty(t, res.Errors)

	cases := []struct {
		diff, want string
	}{
		{"", "diff is empty"},
		{"@@ -1 +1 @@\n-a\n+b\n", "missing --- header"},
		{"--- a\nfoo\n", "not followed by +++"},
		{"--- a\n+++ b\n", "no @@"},
		{"--- a\n+++ b\n@@ -1,x +1 @@\n-a\n", "malformed hunk header"},
		{"--- a\n+++ b\n@@ -1,2 +1,2 @@\n-a\n+b\n", "does not match body"},
		{"--- a\n+++ b\n@@ -1 +1 @@\n*a\n+b\n", "lacks ' ', '+' or '-' prefix"},
		{"--- a\n+++ b\n@@ -1,2 +1,2 @@\n a\n\n", "empty line in hunk"},
		{"--- a\n+++ b\n@@ -1 +1 @@\n-a\n+b\ngarbage\n", "unexpected line outside a hunk"},
		{"--- a\n+++ b\n@@ -1 +1 @@\n-a\n\\ weird\n+b\n", "unknown marker"},
	}
	for _, tc := range cases {
		res := e.Validate(tc.diff)
		assert.False(t, res.Valid, tc.diff)
		assert.True(t, containsError(res.Errors, tc.want), "diff %q: want error containing %q, got %v", tc.diff, tc.want, res.Errors)
	}
}

func containsError(errs []string, substr string) bool {
	for _, e := range errs {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

func TestStats(t *testing.T) {
	e := NewEngine()
	d := e.Generate("a\nb\nc\n", "a\nx\ny\nc\n", 3)
	assert.Equal(t, Stats{Additions: 2, Deletions: 1, Hunks: 1}, e.Stats(d))

	// Unparseable text is still counted.
	assert.Equal(t, Stats{Additions: 1, Deletions: 2, Hunks: 1}, e.Stats("@@ broken @@\n-a\n-b\n+c\n"))
	assert.Equal(t, Stats{}, e.Stats(""))
}

func TestReverse(t *testing.T) {
	e := NewEngine()
	d := "--- a/f\n+++ b/f\n@@ -1,3 +1,3 @@\n a\n-b\n+x\n c\n"
	rev, err := e.Reverse(d)
	require.NoError(t, err)
	assert.Equal(t, "--- b/f\n+++ a/f\n@@ -1,3 +1,3 @@\n a\n-x\n+b\n c\n", rev)

	_, err = e.Reverse("garbage")
	assert.Error(t, err)
}

func TestComputeWordLevelDiff(t *testing.T) {
	diffs := NewEngine().ComputeWordLevelDiff("const x = 1", "const y = 1")
	require.NotEmpty(t, diffs)
	var changed int
	for _, d := range diffs {
		if d.Type != diffmatchpatch.DiffEqual {
			changed++
		}
	}
	assert.Greater(t, changed, 0)
}

func lines(from, to int) string {
	var b strings.Builder
	for i := from; i <= to; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	return b.String()
}
