package dmypyconf

import (
	"os"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"gotest.tools/v3/fs"
)

func TestWatch(t *testing.T) {
	c := qt.New(t)
	ws := fs.NewDir(t, "ws", fs.WithFile("dmypyls.yaml", "dmypy_command: [dmypy]\n"))

	changed := make(chan struct{}, 10)
	w, err := Watch([]string{ws.Path(), ws.Join("missing")}, 10*time.Millisecond, func() { changed <- struct{}{} })
	c.Assert(err, qt.IsNil)
	defer w.Close()

	// Unrelated files are ignored.
	c.Assert(os.WriteFile(ws.Join("app.py"), []byte("x = 1\n"), 0o644), qt.IsNil)
	select {
	case <-changed:
		c.Fatal("change reported for unrelated file")
	case <-time.After(100 * time.Millisecond):
	}

	for i := 0; i < 3; i++ {
		c.Assert(os.WriteFile(ws.Join("dmypyls.yaml"), []byte("dmypy_command: [uv, run, dmypy]\n"), 0o644), qt.IsNil)
	}
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		c.Fatal("change not reported")
	}

	c.Assert(w.Close(), qt.IsNil)
	c.Assert(w.Close(), qt.IsNil)
}
