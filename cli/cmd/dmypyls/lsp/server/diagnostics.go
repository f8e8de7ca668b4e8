package server

import (
	"net/url"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/Olimi-org/dmypyls/pkg/diagnostics"
)

// toLSP converts dmypy diagnostics to LSP diagnostics. dmypy positions are
// 1-based with an inclusive end column, LSP positions are 0-based with an
// exclusive end.
func toLSP(diags []diagnostics.Diagnostic) []Diagnostic {
	out := make([]Diagnostic, 0, len(diags))
	for _, d := range diags {
		start := Position{Line: max(0, d.Line-1), Character: max(0, d.Column-1)}
		end := Position{Line: max(0, d.EndLine-1), Character: max(0, d.EndColumn)}
		if end.Line < start.Line || (end.Line == start.Line && end.Character < start.Character) {
			end = start
		}
		out = append(out, Diagnostic{
			Range:    Range{Start: start, End: end},
			Severity: severity(d.Severity),
			Code:     d.Code,
			Source:   "dmypy",
			Message:  d.Message,
		})
	}
	return out
}

func severity(s diagnostics.Severity) DiagnosticSeverity {
	switch s {
	case diagnostics.SeverityWarning:
		return SeverityWarning
	case diagnostics.SeverityNote:
		return SeverityInformation
	default:
		return SeverityError
	}
}

// filePathToURI converts an absolute file path to a file:// URI.
func filePathToURI(path string) string {
	if path == "" {
		return ""
	}
	// Ensure the path is absolute.
	if !filepath.IsAbs(path) {
		return ""
	}
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		// Windows drive paths become file:///C:/...
		p = "/" + p
	}
	u := &url.URL{
		Scheme: "file",
		Path:   p,
	}
	return u.String()
}

// uriToFilePath converts a file:// URI back to an absolute file path.
// Anything that is not a file URI is returned unchanged.
func uriToFilePath(uri string) string {
	if !strings.HasPrefix(uri, "file://") {
		return uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	p := u.Path
	if runtime.GOOS == "windows" && len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.Clean(filepath.FromSlash(p))
}
