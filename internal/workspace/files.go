package workspace

import (
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"workbench/internal/logging"
)

// DefaultMaxFileSize caps reads and writes done through Files.
const DefaultMaxFileSize = 5 * 1024 * 1024

// FileOpType defines the types of file operations.
type FileOpType string

const (
	FileOpRead  FileOpType = "read"
	FileOpWrite FileOpType = "write"
	FileOpList  FileOpType = "list"
)

// FileAuditEvent describes one file operation for audit callbacks.
type FileAuditEvent struct {
	Type      FileOpType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Path      string     `json:"path"`
	Success   bool       `json:"success"`
	Error     string     `json:"error,omitempty"`
	OldHash   string     `json:"old_hash,omitempty"`
	NewHash   string     `json:"new_hash,omitempty"`
}

// FileResult represents the result of a write.
type FileResult struct {
	Path      string `json:"path"`
	Created   bool   `json:"created"`
	Bytes     int    `json:"bytes"`
	OldHash   string `json:"old_hash,omitempty"`
	NewHash   string `json:"new_hash"`
	LineCount int    `json:"line_count"`
}

// Files performs confined file operations inside a workspace.
type Files struct {
	confiner    *Confiner
	maxFileSize int64

	mu            sync.RWMutex
	auditCallback func(FileAuditEvent)
}

// NewFiles creates confined file operations for the given confiner.
func NewFiles(confiner *Confiner) *Files {
	return &Files{confiner: confiner, maxFileSize: DefaultMaxFileSize}
}

// SetAuditCallback sets the callback for file audit events.
func (f *Files) SetAuditCallback(callback func(FileAuditEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditCallback = callback
}

func (f *Files) emitAudit(event FileAuditEvent) {
	f.mu.RLock()
	cb := f.auditCallback
	f.mu.RUnlock()
	if cb != nil {
		cb(event)
	}
}

func computeHash(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}

// ReadFile reads a whole file after confinement.
func (f *Files) ReadFile(path string) (string, error) {
	resolved, err := f.confiner.Resolve(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		f.emitAudit(FileAuditEvent{Type: FileOpRead, Timestamp: time.Now(), Path: path, Error: err.Error()})
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > f.maxFileSize {
		return "", fmt.Errorf("%s is %d bytes, exceeds limit of %d", path, info.Size(), f.maxFileSize)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		f.emitAudit(FileAuditEvent{Type: FileOpRead, Timestamp: time.Now(), Path: path, Error: err.Error()})
		return "", err
	}

	logging.Get(logging.CategoryWorkspace).Debug("read %s (%d bytes)", path, len(data))
	f.emitAudit(FileAuditEvent{Type: FileOpRead, Timestamp: time.Now(), Path: path, Success: true})
	return string(data), nil
}

// WriteFile writes content, creating parent directories inside the workspace.
func (f *Files) WriteFile(path, content string) (*FileResult, error) {
	resolved, err := f.confiner.Resolve(path)
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > f.maxFileSize {
		return nil, fmt.Errorf("content is %d bytes, exceeds limit of %d", len(content), f.maxFileSize)
	}

	result := &FileResult{Path: f.confiner.Rel(resolved), Bytes: len(content)}
	if existing, err := os.ReadFile(resolved); err == nil {
		result.OldHash = computeHash(existing)
	} else {
		result.Created = true
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		f.emitAudit(FileAuditEvent{Type: FileOpWrite, Timestamp: time.Now(), Path: path, Error: err.Error()})
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		f.emitAudit(FileAuditEvent{Type: FileOpWrite, Timestamp: time.Now(), Path: path, Error: err.Error()})
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	result.NewHash = computeHash([]byte(content))
	result.LineCount = strings.Count(content, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		result.LineCount++
	}

	logging.Workspace("wrote %s (%d bytes, created=%v)", result.Path, result.Bytes, result.Created)
	f.emitAudit(FileAuditEvent{
		Type:      FileOpWrite,
		Timestamp: time.Now(),
		Path:      path,
		Success:   true,
		OldHash:   result.OldHash,
		NewHash:   result.NewHash,
	})
	return result, nil
}

// ListFiles lists entries under dir (relative to the workspace). Recursive
// listings skip node_modules and .git and stop after limit entries.
func (f *Files) ListFiles(dir string, recursive bool, limit int) ([]string, bool, error) {
	if dir == "" {
		dir = "."
	}
	resolved, err := f.confiner.Resolve(dir)
	if err != nil {
		return nil, false, err
	}
	if limit <= 0 {
		limit = 1000
	}

	var entries []string
	truncated := false

	if !recursive {
		items, err := os.ReadDir(resolved)
		if err != nil {
			return nil, false, err
		}
		for _, item := range items {
			if len(entries) >= limit {
				truncated = true
				break
			}
			name := item.Name()
			if item.IsDir() {
				name += "/"
			}
			entries = append(entries, name)
		}
		return entries, truncated, nil
	}

	walkErr := filepath.WalkDir(resolved, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if p == resolved {
			return nil
		}
		if d.IsDir() && (d.Name() == "node_modules" || d.Name() == ".git") {
			return filepath.SkipDir
		}
		if len(entries) >= limit {
			truncated = true
			return fs.SkipAll
		}
		rel, _ := filepath.Rel(resolved, p)
		if d.IsDir() {
			rel += "/"
		}
		entries = append(entries, rel)
		return nil
	})
	if walkErr != nil {
		return nil, false, walkErr
	}

	sort.Strings(entries)
	f.emitAudit(FileAuditEvent{Type: FileOpList, Timestamp: time.Now(), Path: dir, Success: true})
	return entries, truncated, nil
}
