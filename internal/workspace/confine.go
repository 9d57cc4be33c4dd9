package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"workbench/internal/logging"
	"workbench/internal/metrics"
)

// maxLinkHops bounds manual resolution of dangling symlink chains.
const maxLinkHops = 40

// sensitivePrefixes are host locations that are never reachable through a
// workspace unless the workspace itself lives beneath them.
var sensitivePrefixes = []string{"/etc/", "/root/", "/proc/", "/sys/", "/dev/"}

// envTemplateSuffixes are dotenv variants that carry no secrets.
var envTemplateSuffixes = []string{".example", ".sample", ".template"}

// Verdict is the outcome of validating one path.
type Verdict struct {
	OK            bool   `json:"ok"`
	Resolved      string `json:"resolved,omitempty"`
	Reason        string `json:"reason,omitempty"`
	SuggestedPath string `json:"suggested_path,omitempty"`
}

// Err returns the verdict as a *ValidationError, or nil when OK.
func (v Verdict) Err(path string) error {
	if v.OK {
		return nil
	}
	return &ValidationError{Path: path, Reason: v.Reason, SuggestedPath: v.SuggestedPath}
}

// Confiner keeps file operations inside a single workspace root.
// It holds no mutable state and is safe for concurrent use.
type Confiner struct {
	root string
}

// NewConfiner creates a confiner for root. The root is resolved through
// symlinks once, so later prefix comparisons are made real-path to real-path.
func NewConfiner(root string) (*Confiner, error) {
	if !filepath.IsAbs(root) {
		return nil, ErrRootNotAbsolute
	}
	resolved, err := resolveReal(root)
	if err != nil {
		return nil, err
	}
	return &Confiner{root: resolved}, nil
}

// Root returns the symlink-resolved workspace root.
func (c *Confiner) Root() string {
	return c.root
}

// Validate checks path against the workspace root. Relative paths are taken
// relative to the root. The real path is resolved before any comparison.
func (c *Confiner) Validate(path string) Verdict {
	if path == "" {
		return c.reject(path, "empty path")
	}
	if hasControlChars(path) {
		return c.reject(path, "path contains control characters")
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(c.root, candidate)
	}

	if escapesThroughNodeModules(path) {
		return c.reject(path, "path escapes through node_modules")
	}

	resolved, err := resolveReal(candidate)
	if err != nil {
		return c.reject(path, "cannot resolve path: "+err.Error())
	}

	if !c.contains(resolved) {
		return c.reject(path, "path resolves outside the workspace root")
	}
	if prefix, ok := c.sensitive(resolved); ok {
		return c.reject(path, "path is under protected location "+prefix)
	}
	if isDotEnv(resolved) {
		return c.reject(path, "environment files are not accessible")
	}
	if resolved == filepath.Join(c.root, "node_modules") {
		return c.reject(path, "node_modules root cannot be targeted directly")
	}

	logging.Get(logging.CategoryWorkspace).Debug("path accepted: %s -> %s", path, resolved)
	return Verdict{OK: true, Resolved: resolved}
}

// Resolve validates path and returns the resolved absolute path, or a
// *ValidationError.
func (c *Confiner) Resolve(path string) (string, error) {
	v := c.Validate(path)
	if !v.OK {
		return "", v.Err(path)
	}
	return v.Resolved, nil
}

// Rel returns a resolved path relative to the root, for display.
func (c *Confiner) Rel(resolved string) string {
	rel, err := filepath.Rel(c.root, resolved)
	if err != nil {
		return resolved
	}
	return rel
}

func (c *Confiner) reject(path, reason string) Verdict {
	suggested := ""
	if base := filepath.Base(filepath.Clean(path)); path != "" && base != "." && base != ".." && base != string(filepath.Separator) && !hasControlChars(base) {
		suggested = filepath.Join(c.root, base)
	}
	logging.WorkspaceWarn("path rejected: %q (%s)", path, reason)
	metrics.PathsRejected.Inc()
	return Verdict{OK: false, Reason: reason, SuggestedPath: suggested}
}

func (c *Confiner) contains(resolved string) bool {
	if resolved == c.root {
		return true
	}
	return strings.HasPrefix(resolved, c.root+string(filepath.Separator))
}

func (c *Confiner) sensitive(resolved string) (string, bool) {
	withSep := resolved + string(filepath.Separator)
	for _, prefix := range sensitivePrefixes {
		if strings.HasPrefix(c.root+string(filepath.Separator), prefix) {
			// The workspace itself lives here; containment already applies.
			continue
		}
		if strings.HasPrefix(withSep, prefix) {
			return prefix, true
		}
	}
	return "", false
}

// resolveReal resolves symlinks on the longest existing prefix of p and
// re-appends the missing remainder, so paths about to be created still get
// real-path semantics. Dangling symlinks are followed manually.
func resolveReal(p string) (string, error) {
	cur := filepath.Clean(p)
	var rest []string

	for hops := 0; hops <= maxLinkHops; {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}

		if fi, lerr := os.Lstat(cur); lerr == nil && fi.Mode()&os.ModeSymlink != 0 {
			target, rerr := os.Readlink(cur)
			if rerr != nil {
				return "", rerr
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(cur), target)
			}
			cur = filepath.Clean(target)
			hops++
			continue
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
	return "", errors.New("too many levels of symbolic links")
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

func isDotEnv(resolved string) bool {
	for _, seg := range strings.Split(resolved, string(filepath.Separator)) {
		if seg == ".env" {
			return true
		}
		if strings.HasPrefix(seg, ".env.") {
			allowed := false
			for _, suffix := range envTemplateSuffixes {
				if strings.HasSuffix(seg, suffix) {
					allowed = true
					break
				}
			}
			if !allowed {
				return true
			}
		}
	}
	return false
}

// escapesThroughNodeModules flags raw inputs such as node_modules/../../x,
// which use the dependency tree as a stepping stone out of the project.
func escapesThroughNodeModules(raw string) bool {
	segs := strings.FieldsFunc(filepath.ToSlash(raw), func(r rune) bool { return r == '/' })
	for i := 0; i+1 < len(segs); i++ {
		if segs[i] == "node_modules" && segs[i+1] == ".." {
			return true
		}
	}
	return false
}
