package diagnostics

import (
	"bytes"
	"cmp"
	"slices"

	"github.com/cockroachdb/errors"
)

// maxLineSize bounds a single report line. Longer lines are dropped with a
// ParseError and the rest of the batch is still read.
const maxLineSize = 1 << 20

// Translate parses raw daemon output into a Mapping keyed by canonical
// document path. Relative paths are resolved against root.
//
// Translate is pure: the same input always produces the same Mapping.
// Lines that look like reports but fail to parse are returned as soft
// errors and otherwise skipped; exact duplicates are dropped.
func Translate(root string, raw []byte) (Mapping, []*ParseError) {
	out := make(Mapping)
	var warnings []*ParseError
	seen := make(map[Diagnostic]struct{})

	lineNo := 0
	for line := range bytes.Lines(raw) {
		lineNo++
		line = bytes.TrimRight(line, "\r\n")
		if len(line) > maxLineSize {
			warnings = append(warnings, &ParseError{LineNo: lineNo, Text: string(line[:80]) + "...", Reason: "line too long"})
			continue
		}
		d, err := ParseLine(string(line))
		if err != nil {
			var perr *ParseError
			if errors.As(err, &perr) {
				perr.LineNo = lineNo
				warnings = append(warnings, perr)
			}
			continue
		}
		d.Path = CanonicalPath(root, d.Path)
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out[d.Path] = append(out[d.Path], d)
	}

	for path := range out {
		slices.SortStableFunc(out[path], compareDiagnostics)
	}
	return out, warnings
}

func compareDiagnostics(a, b Diagnostic) int {
	if c := cmp.Compare(a.Line, b.Line); c != 0 {
		return c
	}
	return cmp.Compare(a.Column, b.Column)
}
