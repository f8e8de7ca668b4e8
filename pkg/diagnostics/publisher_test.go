package diagnostics

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func diag(path string, line int, msg string) Diagnostic {
	return Diagnostic{Path: path, Line: line, Column: 1, EndLine: line, EndColumn: 1, Severity: SeverityError, Message: msg}
}

func TestPublisherExplicitClear(t *testing.T) {
	c := qt.New(t)
	pub := NewPublisher()
	covered := []string{"/w/a.py"}

	updates := pub.Apply(covered, Mapping{"/w/a.py": {diag("/w/a.py", 1, "bad")}})
	c.Assert(updates, qt.HasLen, 1)
	c.Assert(updates[0].Diagnostics, qt.HasLen, 1)

	// The document disappears from the output: exactly one clear.
	updates = pub.Apply(covered, Mapping{})
	c.Assert(updates, qt.DeepEquals, []Update{{Path: "/w/a.py", Diagnostics: []Diagnostic{}}})

	updates = pub.Apply(covered, Mapping{})
	c.Assert(updates, qt.HasLen, 0)
}

func TestPublisherOnlyCovered(t *testing.T) {
	c := qt.New(t)
	pub := NewPublisher()
	m := Mapping{
		"/w/a.py": {diag("/w/a.py", 1, "bad")},
		"/w/b.py": {diag("/w/b.py", 2, "worse")},
	}
	updates := pub.Apply([]string{"/w/a.py"}, m)
	c.Assert(updates, qt.HasLen, 1)
	c.Assert(updates[0].Path, qt.Equals, "/w/a.py")
	c.Assert(pub.Last("/w/b.py"), qt.HasLen, 0)

	// b.py was never covered, so a check that covers only a.py leaves it alone.
	updates = pub.Apply([]string{"/w/a.py"}, Mapping{})
	c.Assert(updates, qt.HasLen, 1)
	c.Assert(updates[0].Path, qt.Equals, "/w/a.py")
}

func TestPublisherChangedMessage(t *testing.T) {
	c := qt.New(t)
	pub := NewPublisher()
	covered := []string{"/w/a.py"}
	pub.Apply(covered, Mapping{"/w/a.py": {diag("/w/a.py", 1, "bad")}})

	updates := pub.Apply(covered, Mapping{"/w/a.py": {diag("/w/a.py", 1, "different")}})
	c.Assert(updates, qt.HasLen, 1)
	c.Assert(updates[0].Diagnostics[0].Message, qt.Equals, "different")

	c.Assert(pub.Forget("/w/a.py"), qt.IsTrue)
	c.Assert(pub.Forget("/w/a.py"), qt.IsFalse)
}
