package check

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	qt "github.com/frankban/quicktest"

	"github.com/Olimi-org/dmypyls/pkg/diagnostics"
)

func TestPrintDiagnostics(t *testing.T) {
	c := qt.New(t)
	noColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = noColor })

	root := filepath.FromSlash("/ws")
	a := filepath.Join(root, "pkg", "a.py")
	b := filepath.Join(root, "b.py")
	m := diagnostics.Mapping{
		a: {
			{Path: a, Line: 3, Column: 5, Severity: diagnostics.SeverityError, Code: "arg-type", Message: "Incompatible type"},
			{Path: a, Line: 3, Column: 5, Severity: diagnostics.SeverityNote, Message: "See the docs"},
		},
		b: {
			{Path: b, Line: 1, Column: 1, Severity: diagnostics.SeverityError, Message: "Bad"},
		},
	}

	var buf bytes.Buffer
	n := printDiagnostics(&buf, root, m)
	c.Assert(n, qt.Equals, 2)
	c.Assert(buf.String(), qt.Equals, filepath.FromSlash("b.py")+":1:1: error: Bad\n"+
		filepath.FromSlash("pkg/a.py")+":3:5: error: Incompatible type  [arg-type]\n"+
		filepath.FromSlash("pkg/a.py")+":3:5: note: See the docs\n"+
		"Found 2 error(s) in 2 files\n")

	buf.Reset()
	c.Assert(printDiagnostics(&buf, root, nil), qt.Equals, 0)
	c.Assert(buf.String(), qt.Equals, "Success: no issues found\n")
}

func TestAbsPaths(t *testing.T) {
	c := qt.New(t)
	root := t.TempDir()
	got, err := absPaths(nil, root)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, []string{root})

	got, err = absPaths([]string{root}, root)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, []string{root})
}
