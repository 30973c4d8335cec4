package tools

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrReadDisabled is returned when file reads are switched off by configuration.
var ErrReadDisabled = errors.New("read is disabled by configuration")

// Filesystem provides read-only file access rooted at a base directory. Writes go through
// apply_patch so that every change is reviewable as a diff.
type Filesystem struct {
	guard        *PathGuard
	allowRead    bool
	maxReadBytes int
}

// NewFilesystem builds a filesystem tool; maxReadBytes <= 0 means unlimited.
func NewFilesystem(baseDir string, allowRead bool, maxReadBytes int) (*Filesystem, error) {
	guard, err := NewPathGuard(baseDir)
	if err != nil {
		return nil, err
	}
	return &Filesystem{guard: guard, allowRead: allowRead, maxReadBytes: maxReadBytes}, nil
}

// Root is the absolute directory every path is resolved against.
func (f *Filesystem) Root() string { return f.guard.BaseDir }

// ReadFile returns file contents, cut at the configured limit.
func (f *Filesystem) ReadFile(path string) (content string, truncated bool, err error) {
	if !f.allowRead {
		return "", false, ErrReadDisabled
	}
	resolved, err := f.guard.Resolve(path)
	if err != nil {
		return "", false, err
	}
	file, err := os.Open(resolved)
	if err != nil {
		return "", false, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", false, err
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("%s is a directory", path)
	}

	var r io.Reader = file
	if f.maxReadBytes > 0 {
		r = io.LimitReader(file, int64(f.maxReadBytes)+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", false, err
	}
	if f.maxReadBytes > 0 && len(data) > f.maxReadBytes {
		return string(data[:f.maxReadBytes]), true, nil
	}
	return string(data), false, nil
}

// SearchResult represents a single pattern match.
type SearchResult struct {
	Path    string
	Line    int
	Snippet string
}

// Search looks for literal pattern occurrences in files under root (relative path).
func (f *Filesystem) Search(root string, pattern string, maxResults int) ([]SearchResult, error) {
	if !f.allowRead {
		return nil, ErrReadDisabled
	}
	if pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	if root == "" {
		root = "."
	}
	if maxResults <= 0 {
		maxResults = 20
	}

	resolved, err := f.guard.Resolve(root)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, maxResults)
	errDone := errors.New("enough results")
	err = filepath.WalkDir(resolved, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != resolved && skipStructureDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		matches, err := searchFile(path, f.guard.Rel(path), pattern, maxResults-len(results))
		if err != nil {
			return nil
		}
		results = append(results, matches...)
		if len(results) >= maxResults {
			return errDone
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDone) {
		return results, err
	}
	return results, nil
}

// WalkFiles calls fn for regular files under root in lexical order, skipping vendored and
// generated directories, and stops after maxFiles files.
func (f *Filesystem) WalkFiles(root string, maxFiles int, fn func(rel string, d fs.DirEntry) error) error {
	if !f.allowRead {
		return ErrReadDisabled
	}
	if root == "" {
		root = "."
	}
	resolved, err := f.guard.Resolve(root)
	if err != nil {
		return err
	}
	seen := 0
	errDone := errors.New("enough files")
	err = filepath.WalkDir(resolved, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != resolved && skipStructureDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if maxFiles > 0 && seen >= maxFiles {
			return errDone
		}
		seen++
		return fn(f.guard.Rel(path), d)
	})
	if errors.Is(err, errDone) {
		return nil
	}
	return err
}

func searchFile(path, rel, pattern string, limit int) ([]SearchResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []SearchResult
	scanner := bufio.NewScanner(file)
	lineNum := 1
	for scanner.Scan() && len(out) < limit {
		if strings.Contains(scanner.Text(), pattern) {
			out = append(out, SearchResult{Path: rel, Line: lineNum, Snippet: strings.TrimSpace(scanner.Text())})
		}
		lineNum++
	}
	return out, nil
}

// DescribeStructure returns a tree-like outline for a directory with depth/entry caps.
func (f *Filesystem) DescribeStructure(root string, maxDepth int, maxEntries int) (string, error) {
	if !f.allowRead {
		return "", ErrReadDisabled
	}
	if maxDepth <= 0 {
		maxDepth = 3
	}
	if maxEntries <= 0 {
		maxEntries = 200
	}

	resolved, err := f.guard.Resolve(root)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", root)
	}

	lines := []string{filepath.Clean(root) + "/"}
	added := 0

	var walk func(string, int) error
	walk = func(path string, depth int) error {
		if depth > maxDepth {
			return nil
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		prefix := strings.Repeat("  ", depth-1)
		for _, e := range entries {
			name := e.Name()
			if skipStructureDir(name) {
				continue
			}
			if added >= maxEntries {
				lines = append(lines, fmt.Sprintf("%s... truncated after %d entries", prefix, maxEntries))
				return filepath.SkipAll
			}

			line := prefix + "- " + name
			if e.IsDir() {
				line += "/"
			}
			lines = append(lines, line)
			added++

			if e.IsDir() {
				if err := walk(filepath.Join(path, name), depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(resolved, 1); err != nil && !errors.Is(err, filepath.SkipAll) {
		return "", err
	}

	return strings.Join(lines, "\n"), nil
}

func skipStructureDir(name string) bool {
	switch strings.ToLower(name) {
	case ".git", "node_modules", ".idea", ".vscode", "vendor", ".cache":
		return true
	default:
		return false
	}
}
