package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfiner(t *testing.T) (*Confiner, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "project")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0755))
	c, err := NewConfiner(root)
	require.NoError(t, err)
	return c, c.Root()
}

func TestValidate_AcceptsPathsInsideRoot(t *testing.T) {
	c, root := newTestConfiner(t)

	for _, p := range []string{
		".",
		"src",
		"src/index.ts",
		"src/new/dir/file.go",
		"./src/../README.md",
		filepath.Join(root, "package.json"),
		root,
		".env.example",
		"node_modules/react/index.js",
	} {
		v := c.Validate(p)
		assert.True(t, v.OK, "expected %q to be accepted, got %q", p, v.Reason)
	}
}

func TestValidate_RejectsTraversalAndAbsoluteEscapes(t *testing.T) {
	c, root := newTestConfiner(t)

	for _, p := range []string{
		"../../../etc/passwd",
		"/etc/passwd",
		"/root/.ssh/id_rsa",
		"src/../../outside.txt",
		filepath.Dir(root),
	} {
		v := c.Validate(p)
		assert.False(t, v.OK, "expected %q to be rejected", p)
		assert.NotEmpty(t, v.Reason)
	}
}

func TestValidate_SuggestsRerootedBasename(t *testing.T) {
	c, root := newTestConfiner(t)

	v := c.Validate("../../../etc/passwd")
	require.False(t, v.OK)
	assert.Equal(t, filepath.Join(root, "passwd"), v.SuggestedPath)
}

func TestValidate_RejectsSymlinkEscape(t *testing.T) {
	c, root := newTestConfiner(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s3cret"), 0644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	v := c.Validate("link/secret.txt")
	assert.False(t, v.OK, "symlinked directory escaping the root must be rejected")

	v = c.Validate("link/not-yet-created.txt")
	assert.False(t, v.OK, "non-existent file beneath an escaping symlink must be rejected")
}

func TestValidate_RejectsDanglingSymlinkEscape(t *testing.T) {
	c, root := newTestConfiner(t)
	target := filepath.Join(t.TempDir(), "does-not-exist-yet")
	require.NoError(t, os.Symlink(target, filepath.Join(root, "dangling")))

	v := c.Validate("dangling")
	assert.False(t, v.OK)
}

func TestValidate_AcceptsSymlinkInsideRoot(t *testing.T) {
	c, root := newTestConfiner(t)
	require.NoError(t, os.Symlink(filepath.Join(root, "src"), filepath.Join(root, "alias")))

	v := c.Validate("alias/main.go")
	require.True(t, v.OK, v.Reason)
	assert.Equal(t, filepath.Join(root, "src", "main.go"), v.Resolved)
}

func TestValidate_RejectsEmptyAndControlCharacters(t *testing.T) {
	c, _ := newTestConfiner(t)

	assert.False(t, c.Validate("").OK)
	assert.False(t, c.Validate("src/\x00evil").OK)
	assert.False(t, c.Validate("src/line\nbreak").OK)
	assert.False(t, c.Validate("bell\x07").OK)
}

func TestValidate_RejectsDenylist(t *testing.T) {
	c, _ := newTestConfiner(t)

	for _, p := range []string{
		".env",
		"config/.env",
		".env.local",
		".env.production",
		"node_modules/../../escape",
		"node_modules",
	} {
		assert.False(t, c.Validate(p).OK, "expected %q to be rejected", p)
	}
}

func TestResolve_ReturnsValidationError(t *testing.T) {
	c, _ := newTestConfiner(t)

	_, err := c.Resolve("/etc/shadow")
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "/etc/shadow", verr.Path)
	assert.True(t, errors.Is(err, ErrOutsideWorkspace))
	assert.Contains(t, verr.SuggestedPath, "shadow")
}

func TestNewConfiner_RequiresAbsoluteRoot(t *testing.T) {
	_, err := NewConfiner("relative/root")
	assert.ErrorIs(t, err, ErrRootNotAbsolute)
}
