// Package dmypyconf finds and loads dmypyls configuration files.
//
// A workspace is configured by the first dmypyls.{yaml,yml,toml,json} found
// in the workspace root or one of its parents, falling back to the user's
// config directory. Keys that a file leaves out take their default values.
package dmypyconf

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/cockroachdb/errors"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
)

//go:embed defaults.toml
var defaults []byte

// FileNames are the configuration file names, in lookup order.
var FileNames = []string{"dmypyls.yaml", "dmypyls.yml", "dmypyls.toml", "dmypyls.json"}

// ErrNoCommand is returned by Load when no dmypy command is configured.
var ErrNoCommand = errors.New("no dmypy command configured")

// Config is the resolved configuration for one workspace.
type Config struct {
	// Command is the dmypy command prefix, such as ["dmypy"] or
	// ["uv", "run", "dmypy"].
	Command []string
	// DaemonFlags are passed to mypy when the daemon starts.
	DaemonFlags []string
	// StatusFile is the absolute path of the dmypy status file.
	StatusFile string

	OpenDebounce   time.Duration
	ChangeDebounce time.Duration
	CheckTimeout   time.Duration
	StartTimeout   time.Duration
	StopGrace      time.Duration
	CrashThreshold int
	CrashWindow    time.Duration
	RestartBackoff time.Duration

	// Extensions lists the file extensions handled, e.g. ".py".
	Extensions []string

	// Source is the file the configuration was read from, or "" if only
	// defaults were used.
	Source string
}

// Handles reports whether path has one of the configured extensions.
func (c *Config) Handles(path string) bool {
	ext := filepath.Ext(path)
	for _, e := range c.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// Resolver locates configuration files.
type Resolver struct {
	// UserConfigDir holds the user-level fallback file. Empty means
	// $XDG_CONFIG_HOME/dmypyls.
	UserConfigDir string
}

func (r *Resolver) userDir() string {
	if r.UserConfigDir != "" {
		return r.UserConfigDir
	}
	return filepath.Join(xdg.ConfigHome, "dmypyls")
}

// Find returns the configuration file that applies to root, searching root
// and its parents before the user config directory. It returns "" if there
// is none.
func (r *Resolver) Find(root string) (string, error) {
	dir, err := filepath.Abs(root)
	if err != nil {
		return "", errors.Wrap(err, "resolve workspace root")
	}
	for {
		if path, ok := findIn(dir); ok {
			return path, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	if path, ok := findIn(r.userDir()); ok {
		return path, nil
	}
	return "", nil
}

func findIn(dir string) (string, bool) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

// Dirs returns the directories whose configuration files can affect root:
// root itself, the directory of the file currently in effect, and the user
// config directory.
func (r *Resolver) Dirs(root string) []string {
	dirs := []string{root}
	if path, err := r.Find(root); err == nil && path != "" {
		if d := filepath.Dir(path); d != root {
			dirs = append(dirs, d)
		}
	}
	if d := r.userDir(); d != root {
		dirs = append(dirs, d)
	}
	return dirs
}

// Load reads the configuration for root. The file is read again on every
// call so edits are picked up.
func (r *Resolver) Load(root string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaults), toml.Parser()); err != nil {
		return nil, errors.Wrap(err, "load default config")
	}

	path, err := r.Find(root)
	if err != nil {
		return nil, err
	}
	if path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, errors.WithHintf(errors.Wrapf(err, "parse %s", path), "Fix the syntax of %s.", path)
		}
		log.Debug().Str("file", path).Str("root", root).Msg("config: loaded")
	}

	cfg := fromKoanf(k, root, path)
	if len(cfg.Command) == 0 {
		err := errors.Wrapf(ErrNoCommand, "workspace %s", root)
		if path != "" {
			err = errors.Wrapf(ErrNoCommand, "%s has no dmypy_command", path)
		}
		return cfg, errors.WithHint(err, "No dmypy command found (see dmypyls.yaml in README.md)")
	}
	return cfg, nil
}

// Defaults returns the configuration for root that applies when no file
// sets any key. Its Command is empty.
func Defaults(root string) *Config {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaults), toml.Parser()); err != nil {
		panic("dmypyconf: invalid embedded defaults: " + err.Error())
	}
	return fromKoanf(k, root, "")
}

func fromKoanf(k *koanf.Koanf, root, source string) *Config {
	cfg := &Config{
		Command:        stringList(k, "dmypy_command"),
		DaemonFlags:    stringList(k, "daemon_flags"),
		StatusFile:     k.String("status_file"),
		OpenDebounce:   k.Duration("debounce.open"),
		ChangeDebounce: k.Duration("debounce.change"),
		CheckTimeout:   k.Duration("check_timeout"),
		StartTimeout:   k.Duration("start_timeout"),
		StopGrace:      k.Duration("stop_grace"),
		CrashThreshold: k.Int("crash.threshold"),
		CrashWindow:    k.Duration("crash.window"),
		RestartBackoff: k.Duration("restart_backoff"),
		Extensions:     stringList(k, "extensions"),
		Source:         source,
	}
	if cfg.StatusFile != "" && !filepath.IsAbs(cfg.StatusFile) && root != "" {
		cfg.StatusFile = filepath.Join(root, cfg.StatusFile)
	}
	return cfg
}

// stringList reads a list of strings. A plain string is split on whitespace
// so that "dmypy_command: uv run dmypy" works too.
func stringList(k *koanf.Koanf, key string) []string {
	switch v := k.Get(key).(type) {
	case nil:
		return nil
	case string:
		return strings.Fields(v)
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return k.Strings(key)
	}
}
