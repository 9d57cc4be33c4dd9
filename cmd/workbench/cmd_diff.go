package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"

	"workbench/internal/diff"
	"workbench/internal/tools"
)

var (
	diffContext int
	diffNoColor bool
	patchDryRun bool
)

var diffCmd = &cobra.Command{
	Use:   "diff [original] [modified]",
	Short: "Print a unified diff between two local files",
	Args:  cobra.ExactArgs(2),
	RunE:  runDiff,
}

var patchCmd = &cobra.Command{
	Use:   "patch [workspace-path] [diff-file]",
	Short: "Validate and apply a unified diff to a workspace file",
	Long: `Applies a unified diff all or nothing. The diff is validated first; a
conflicting hunk leaves the file untouched.

Example:
  workbench patch -p site src/App.tsx fix.diff --dry-run`,
	Args: cobra.ExactArgs(2),
	RunE: runPatch,
}

func init() {
	diffCmd.Flags().IntVarP(&diffContext, "context", "U", diff.DefaultContext, "Lines of context")
	diffCmd.Flags().BoolVar(&diffNoColor, "no-color", false, "Disable colour")
	patchCmd.Flags().BoolVar(&patchDryRun, "dry-run", false, "Check the diff applies without writing")
}

func runDiff(cmd *cobra.Command, args []string) error {
	original, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	modified, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}

	text := diff.DefaultEngine.GenerateFile(args[0], args[1], string(original), string(modified), diffContext)
	if text == "" {
		return nil
	}
	if diffNoColor {
		fmt.Fprint(cmd.OutOrStdout(), text)
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), renderDiff(text))
	return nil
}

func runPatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	raw, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	if v := diff.DefaultEngine.Validate(string(raw)); !v.Valid {
		return fmt.Errorf("invalid diff: %s", strings.Join(v.Errors, "; "))
	}

	rt, err := newRuntime(cfg, project)
	if err != nil {
		return err
	}
	defer rt.close()

	res := rt.dispatcher.InvokeParams(ctx, &tools.ApplyDiffParams{
		Path:   args[0],
		Diff:   string(raw),
		DryRun: patchDryRun,
	})
	return reportResult(cmd.OutOrStdout(), res)
}

var (
	diffHeaderStyle  = lipgloss.NewStyle().Bold(true)
	diffHunkStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	diffAddStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	diffDelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	diffAddWordStyle = diffAddStyle.Reverse(true)
	diffDelWordStyle = diffDelStyle.Reverse(true)
	diffMetaStyle    = lipgloss.NewStyle().Faint(true)
)

// renderDiff colours a unified diff. A single removed line directly
// followed by a single added line gets word-level highlighting.
func renderDiff(text string) string {
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	var b strings.Builder

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "):
			b.WriteString(diffHeaderStyle.Render(line))
		case strings.HasPrefix(line, "@@"):
			b.WriteString(diffHunkStyle.Render(line))
		case strings.HasPrefix(line, `\`):
			b.WriteString(diffMetaStyle.Render(line))
		case strings.HasPrefix(line, "-") && isLonePair(lines, i):
			del, add := renderWordPair(line[1:], lines[i+1][1:])
			b.WriteString(del)
			b.WriteByte('\n')
			b.WriteString(add)
			i++
		case strings.HasPrefix(line, "-"):
			b.WriteString(diffDelStyle.Render(line))
		case strings.HasPrefix(line, "+"):
			b.WriteString(diffAddStyle.Render(line))
		default:
			b.WriteString(line)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// isLonePair reports whether lines[i] is the only removal before exactly
// one addition.
func isLonePair(lines []string, i int) bool {
	if i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "+") || strings.HasPrefix(lines[i+1], "+++ ") {
		return false
	}
	if i > 0 && strings.HasPrefix(lines[i-1], "-") && !strings.HasPrefix(lines[i-1], "--- ") {
		return false
	}
	return i+2 >= len(lines) || !strings.HasPrefix(lines[i+2], "+")
}

func renderWordPair(oldLine, newLine string) (string, string) {
	var del, add strings.Builder
	del.WriteString(diffDelStyle.Render("-"))
	add.WriteString(diffAddStyle.Render("+"))

	for _, d := range diff.DefaultEngine.ComputeWordLevelDiff(oldLine, newLine) {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			del.WriteString(diffDelStyle.Render(d.Text))
			add.WriteString(diffAddStyle.Render(d.Text))
		case diffmatchpatch.DiffDelete:
			del.WriteString(diffDelWordStyle.Render(d.Text))
		case diffmatchpatch.DiffInsert:
			add.WriteString(diffAddWordStyle.Render(d.Text))
		}
	}
	return del.String(), add.String()
}
