package config

import (
	"bytes"
	"testing"

	qt "github.com/frankban/quicktest"
	"gotest.tools/v3/fs"

	"github.com/Olimi-org/dmypyls/pkg/dmypyconf"
)

func TestShow(t *testing.T) {
	c := qt.New(t)
	ws := fs.NewDir(t, "ws", fs.WithFile("dmypyls.yaml", "dmypy_command: uv run dmypy\ncrash:\n  threshold: 5\n"))
	r := &dmypyconf.Resolver{UserConfigDir: fs.NewDir(t, "user").Path()}
	cfg, err := r.Load(ws.Path())
	c.Assert(err, qt.IsNil)

	var buf bytes.Buffer
	c.Assert(show(&buf, ws.Path(), cfg), qt.IsNil)
	out := buf.String()
	c.Assert(out, qt.Contains, "source: "+ws.Join("dmypyls.yaml")+"\n")
	c.Assert(out, qt.Contains, "dmypy_command:\n- uv\n- run\n- dmypy\n")
	c.Assert(out, qt.Contains, "  threshold: 5\n")
	c.Assert(out, qt.Contains, "  open: 50ms\n")
	c.Assert(out, qt.Contains, "check_timeout: 30s\n")
}

func TestShowDefaults(t *testing.T) {
	c := qt.New(t)
	var buf bytes.Buffer
	c.Assert(show(&buf, "/ws", dmypyconf.Defaults("/ws")), qt.IsNil)
	c.Assert(buf.String(), qt.Contains, "source: (defaults)\n")
	c.Assert(buf.String(), qt.Contains, "dmypy_command: null\n")
}
