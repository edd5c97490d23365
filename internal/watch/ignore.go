package watch

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreFile lists glob patterns, one per line, for diagram files in the
// watched directory that should stay out of the project.
const IgnoreFile = ".dsyncignore"

// ignoreMatcher checks file names against glob patterns. The watcher only
// sees one directory level so patterns match the base name.
type ignoreMatcher struct {
	patterns []string
}

// newIgnoreMatcher parses raw pattern lines. Blank lines and lines starting
// with '#' are skipped, as are patterns filepath.Match rejects.
func newIgnoreMatcher(lines []string) *ignoreMatcher {
	var patterns []string
	for _, raw := range lines {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		if _, err := filepath.Match(raw, ""); err != nil {
			continue
		}
		patterns = append(patterns, raw)
	}
	return &ignoreMatcher{patterns: patterns}
}

// Match reports whether the file at path is ignored.
func (m *ignoreMatcher) Match(path string) bool {
	if m == nil || path == "" {
		return false
	}
	base := filepath.Base(path)
	for _, p := range m.patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

// readIgnoreFile returns the raw lines of the ignore file in dir, or nil if
// there is none.
func readIgnoreFile(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, IgnoreFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return lines, nil
}
