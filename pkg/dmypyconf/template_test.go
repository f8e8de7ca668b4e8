package dmypyconf

import (
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	qt "github.com/frankban/quicktest"
	"gotest.tools/v3/fs"
)

func TestDetectCommand(t *testing.T) {
	c := qt.New(t)
	c.Assert(DetectCommand(fs.NewDir(t, "plain").Path()), qt.DeepEquals, []string{"dmypy"})
	c.Assert(DetectCommand(fs.NewDir(t, "uv", fs.WithFile("uv.lock", "")).Path()), qt.DeepEquals, []string{"uv", "run", "dmypy"})
	c.Assert(DetectCommand(fs.NewDir(t, "poetry", fs.WithFile("poetry.lock", "")).Path()), qt.DeepEquals, []string{"poetry", "run", "dmypy"})

	venv := fs.NewDir(t, "venv", fs.WithDir(".venv", fs.WithDir("bin", fs.WithFile("dmypy", "", fs.WithMode(0o755)))))
	c.Assert(DetectCommand(venv.Path()), qt.DeepEquals, []string{venv.Join(".venv", "bin", "dmypy")})
}

func TestWriteTemplate(t *testing.T) {
	c := qt.New(t)
	dir := fs.NewDir(t, "ws")
	r := &Resolver{UserConfigDir: fs.NewDir(t, "user").Path()}

	path, err := WriteTemplate(dir.Path(), []string{"uv", "run", "dmypy"}, false)
	c.Assert(err, qt.IsNil)
	c.Assert(path, qt.Equals, dir.Join("dmypyls.yaml"))

	cfg, err := r.Load(dir.Path())
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Command, qt.DeepEquals, []string{"uv", "run", "dmypy"})
	c.Assert(cfg.Source, qt.Equals, path)

	_, err = WriteTemplate(dir.Path(), []string{"dmypy"}, false)
	c.Assert(err, qt.ErrorIs, ErrExists)
	c.Assert(errors.FlattenHints(err), qt.Contains, "--force")

	_, err = WriteTemplate(dir.Path(), []string{"dmypy"}, true)
	c.Assert(err, qt.IsNil)
	data, err := os.ReadFile(path)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Contains, "dmypy_command:\n- dmypy\n")
}
