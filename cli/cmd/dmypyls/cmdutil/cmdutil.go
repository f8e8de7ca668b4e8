package cmdutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/rs/zerolog/log"

	"github.com/Olimi-org/dmypyls/cli/daemon"
	"github.com/Olimi-org/dmypyls/pkg/dmypyconf"
)

// Fatal prints the error and its hints to stderr and exits with status 1.
func Fatal(args ...any) {
	msg := fmt.Sprint(args...)
	red := color.New(color.FgRed)
	_, _ = red.Fprintln(os.Stderr, "error: "+msg)
	for _, arg := range args {
		if err, ok := arg.(error); ok {
			if hint := errors.FlattenHints(err); hint != "" {
				_, _ = color.New(color.FgYellow).Fprintln(os.Stderr, "hint: "+hint)
			}
		}
	}
	os.Exit(1)
}

func Fatalf(format string, args ...any) {
	Fatal(fmt.Sprintf(format, args...))
}

// WorkspaceRoot returns the directory a one-shot command operates on: the
// directory of the nearest project configuration file, or the working
// directory if there is none.
func WorkspaceRoot(configs *dmypyconf.Resolver) string {
	wd, err := os.Getwd()
	if err != nil {
		Fatal("could not get working directory: ", err)
	}
	path, err := configs.Find(wd)
	if err != nil {
		Fatal(err)
	}
	if path == "" {
		return wd
	}
	if dir := filepath.Dir(path); within(dir, wd) {
		return dir
	}
	// The user-level file applies; keep the working directory as root.
	return wd
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// NewController loads the configuration for root and returns a controller
// for its daemon. Daemon stderr goes to the debug log.
func NewController(root string, configs *dmypyconf.Resolver) (*daemon.Controller, *dmypyconf.Config) {
	cfg, err := configs.Load(root)
	if err != nil {
		Fatal(err)
	}
	opts := daemon.OptionsFromConfig(cfg)
	opts.Spawner = &daemon.ExecSpawner{
		StartTimeout: cfg.StartTimeout,
		Stderr: func(line string) {
			log.Debug().Str("line", line).Msg("daemon: stderr")
		},
	}
	return daemon.NewController(root, daemon.ConfigResolver{Configs: configs}, opts), cfg
}
