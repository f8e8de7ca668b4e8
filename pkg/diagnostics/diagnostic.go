// Package diagnostics turns dmypy output into per-document diagnostics and
// keeps track of what was last published for each document, so that callers
// only emit the notifications that actually change what the editor shows.
package diagnostics

import (
	"path/filepath"
	"strings"
)

// Severity is the severity of a diagnostic as reported by the daemon.
type Severity int

const (
	SeverityError Severity = iota + 1
	SeverityWarning
	SeverityNote
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityNote:
		return "note"
	default:
		return "unknown"
	}
}

// ParseSeverity parses the severity token used in the daemon's report format.
func ParseSeverity(tok string) (Severity, bool) {
	switch strings.ToLower(tok) {
	case "error":
		return SeverityError, true
	case "warning":
		return SeverityWarning, true
	case "note":
		return SeverityNote, true
	}
	return 0, false
}

// Diagnostic is a single issue reported by the daemon. Positions are 1-based.
type Diagnostic struct {
	Path      string
	Line      int
	Column    int
	EndLine   int
	EndColumn int
	Severity  Severity
	Code      string
	Message   string
}

// Mapping maps a document path to its diagnostics, ordered by (line, column).
type Mapping map[string][]Diagnostic

// CanonicalPath returns the cleaned absolute form of path, resolving relative
// paths against root.
func CanonicalPath(root, path string) string {
	if path == "" {
		return ""
	}
	path = filepath.FromSlash(path)
	if !filepath.IsAbs(path) {
		if root == "" {
			if abs, err := filepath.Abs(path); err == nil {
				return abs
			}
			return filepath.Clean(path)
		}
		path = filepath.Join(root, path)
	}
	return filepath.Clean(path)
}
