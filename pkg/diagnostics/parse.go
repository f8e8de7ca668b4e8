package diagnostics

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
)

// ErrNotDiagnostic is returned by ParseLine for lines that are not diagnostic
// reports at all, such as banners and summaries. Callers ignore them silently.
var ErrNotDiagnostic = errors.New("not a diagnostic line")

// ParseError describes a line that looked like a diagnostic but could not be
// parsed. It is never fatal: the line is dropped and the rest of the batch
// is still used.
type ParseError struct {
	// LineNo is the 1-based line number within the raw output.
	LineNo int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("output line %d: %s: %q", e.LineNo, e.Reason, e.Text)
}

var (
	// path:line:col[:endLine:endCol]: severity: message
	reportLine = regexp.MustCompile(`^(.+?):(\d+):(\d+)(?::(\d+):(\d+))?: ([A-Za-z]+): (.*)$`)
	// A trailing "[code]" after the message.
	codeSuffix = regexp.MustCompile(`\s+\[([A-Za-z0-9_.-]+)\]$`)
	// Anything starting with path:number: is meant to be a report.
	reportShape = regexp.MustCompile(`^\S.*?:\d+[:\s]`)
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ParseLine parses a single line of daemon output.
//
// Text lines have the shape "path:line:col[:endLine:endCol]: severity: message [code]".
// Lines starting with "{" are parsed as JSON records. A line that is not a
// report at all yields ErrNotDiagnostic; a malformed report yields a *ParseError.
func ParseLine(line string) (Diagnostic, error) {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Diagnostic{}, ErrNotDiagnostic
	}
	if strings.HasPrefix(trimmed, "{") {
		return parseRecord(trimmed)
	}

	m := reportLine.FindStringSubmatch(line)
	if m == nil {
		if reportShape.MatchString(line) {
			return Diagnostic{}, &ParseError{Text: line, Reason: "malformed report"}
		}
		return Diagnostic{}, ErrNotDiagnostic
	}

	sev, ok := ParseSeverity(m[6])
	if !ok {
		return Diagnostic{}, &ParseError{Text: line, Reason: "unknown severity " + strconv.Quote(m[6])}
	}

	d := Diagnostic{
		Path:     m[1],
		Severity: sev,
	}
	var err error
	if d.Line, err = positive(m[2]); err != nil {
		return Diagnostic{}, &ParseError{Text: line, Reason: "bad line number"}
	}
	if d.Column, err = positive(m[3]); err != nil {
		return Diagnostic{}, &ParseError{Text: line, Reason: "bad column number"}
	}
	d.EndLine, d.EndColumn = d.Line, d.Column
	if m[4] != "" {
		if d.EndLine, err = positive(m[4]); err != nil {
			return Diagnostic{}, &ParseError{Text: line, Reason: "bad end line"}
		}
		if d.EndColumn, err = positive(m[5]); err != nil {
			return Diagnostic{}, &ParseError{Text: line, Reason: "bad end column"}
		}
	}

	msg := m[7]
	if cm := codeSuffix.FindStringSubmatchIndex(msg); cm != nil {
		d.Code = msg[cm[2]:cm[3]]
		msg = msg[:cm[0]]
	}
	d.Message = strings.TrimSpace(msg)
	return d, nil
}

// record is one entry of mypy's JSON output format.
type record struct {
	File     string  `json:"file"`
	Line     int     `json:"line"`
	Column   int     `json:"column"`
	Message  string  `json:"message"`
	Hint     *string `json:"hint"`
	Code     *string `json:"code"`
	Severity string  `json:"severity"`
}

func parseRecord(text string) (Diagnostic, error) {
	var r record
	if err := json.UnmarshalFromString(text, &r); err != nil {
		return Diagnostic{}, &ParseError{Text: text, Reason: "invalid json record"}
	}
	if r.File == "" || r.Line < 1 {
		return Diagnostic{}, &ParseError{Text: text, Reason: "record has no location"}
	}
	sev, ok := ParseSeverity(r.Severity)
	if !ok {
		return Diagnostic{}, &ParseError{Text: text, Reason: "unknown severity " + strconv.Quote(r.Severity)}
	}
	// JSON columns are 0-based, -1 when unknown.
	col := r.Column + 1
	if col < 1 {
		col = 1
	}
	d := Diagnostic{
		Path:      r.File,
		Line:      r.Line,
		Column:    col,
		EndLine:   r.Line,
		EndColumn: col,
		Severity:  sev,
		Message:   strings.TrimSpace(r.Message),
	}
	if r.Code != nil {
		d.Code = *r.Code
	}
	if r.Hint != nil && *r.Hint != "" {
		d.Message += "\n" + *r.Hint
	}
	return d, nil
}

func positive(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, errors.Newf("%d is not a 1-based position", n)
	}
	return n, nil
}
