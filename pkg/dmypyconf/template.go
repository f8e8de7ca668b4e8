package dmypyconf

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/google/renameio/v2"
	"sigs.k8s.io/yaml"
)

// ErrExists is returned by WriteTemplate when the project already has a
// configuration file.
var ErrExists = errors.New("configuration file already exists")

// lockFiles maps a lock file to the command prefix that runs dmypy inside
// the project environment it describes.
var lockFiles = []struct {
	name    string
	command []string
}{
	{"uv.lock", []string{"uv", "run", "dmypy"}},
	{"poetry.lock", []string{"poetry", "run", "dmypy"}},
	{"pdm.lock", []string{"pdm", "run", "dmypy"}},
	{"Pipfile.lock", []string{"pipenv", "run", "dmypy"}},
}

// DetectCommand guesses the dmypy command for the project at root from the
// lock files and virtual environment found there.
func DetectCommand(root string) []string {
	for _, lf := range lockFiles {
		if isFile(filepath.Join(root, lf.name)) {
			return lf.command
		}
	}
	for _, venv := range []string{".venv", "venv"} {
		if bin := filepath.Join(root, venv, "bin", "dmypy"); isFile(bin) {
			return []string{bin}
		}
	}
	return []string{"dmypy"}
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

const templateFooter = `
# Flags passed to the daemon when it starts.
# daemon_flags: ["--show-absolute-path", "--show-column-numbers", "--show-error-end", "--show-error-codes"]
#
# status_file: .dmypy.json
# debounce:
#   open: 50ms
#   change: 300ms
# check_timeout: 30s
# start_timeout: 30s
# stop_grace: 5s
# crash:
#   threshold: 3
#   window: 1m
# restart_backoff: 250ms
# extensions: [".py", ".pyi"]
`

// Template returns the contents of a starter dmypyls.yaml using command.
func Template(command []string) ([]byte, error) {
	out, err := yaml.Marshal(struct {
		Command []string `json:"dmypy_command"`
	}{command})
	if err != nil {
		return nil, errors.Wrap(err, "marshal template")
	}
	var buf bytes.Buffer
	buf.WriteString("# dmypyls configuration.\n# dmypy_command is the command that runs dmypy for this project.\n")
	buf.Write(out)
	buf.WriteString(templateFooter)
	return buf.Bytes(), nil
}

// WriteTemplate writes a starter dmypyls.yaml into root and returns its
// path. Unless force is set it fails with ErrExists when root already has
// a configuration file.
func WriteTemplate(root string, command []string, force bool) (string, error) {
	if existing, ok := findIn(root); ok && !force {
		return existing, errors.WithHintf(ErrExists, "Edit %s or pass --force to replace it.", existing)
	}
	data, err := Template(command)
	if err != nil {
		return "", err
	}
	path := filepath.Join(root, FileNames[0])
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "write %s", path)
	}
	return path, nil
}
