package cmdutil

import (
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestWithin(t *testing.T) {
	c := qt.New(t)
	root := filepath.FromSlash("/ws")
	c.Assert(within(root, filepath.FromSlash("/ws/pkg")), qt.IsTrue)
	c.Assert(within(root, root), qt.IsTrue)
	c.Assert(within(root, filepath.FromSlash("/other")), qt.IsFalse)
	c.Assert(within(root, filepath.FromSlash("/")), qt.IsFalse)
}
