// Package root holds the dmypyls root command and the process-wide logging
// setup shared by every subcommand.
package root

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// LogLevelEnv overrides the log level when --log-level is not given.
const LogLevelEnv = "DMYPYLS_LOG_LEVEL"

// Version is set at build time with
// `go build -ldflags "-X github.com/Olimi-org/dmypyls/cli/cmd/dmypyls/root.Version=v1.2.3"`.
var Version = "devel"

var (
	logLevel string
	logFile  string
	logOut   io.Closer
)

var Cmd = &cobra.Command{
	Use:           "dmypyls",
	Short:         "Language server publishing dmypy diagnostics",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(cmd.ErrOrStderr())
	},
}

func init() {
	Cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace|debug|info|warn|error), defaults to $"+LogLevelEnv+" or info")
	Cmd.PersistentFlags().StringVar(&logFile, "log-file", "", "log file, or - for stderr (default is dmypyls.log in the XDG state directory)")
}

// Execute runs the root command. It cancels the command context on
// SIGINT and SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() {
		if logOut != nil {
			_ = logOut.Close()
		}
	}()
	return Cmd.ExecuteContext(ctx)
}

func setupLogging(stderr io.Writer) error {
	level, bad := resolveLevel(logLevel, os.Getenv(LogLevelEnv))
	zerolog.SetGlobalLevel(level)

	w, err := logWriter(logFile, stderr)
	if err != nil {
		return err
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	if bad != "" {
		log.Warn().Str("level", bad).Msg("root: invalid log level, using info")
	}
	return nil
}

// resolveLevel picks the flag value, then the environment, then info. It
// returns the rejected value when one of them does not parse.
func resolveLevel(flag, env string) (zerolog.Level, string) {
	s := flag
	if s == "" {
		s = env
	}
	if s == "" {
		return zerolog.InfoLevel, ""
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel, s
	}
	return lvl, ""
}

// logWriter opens the log destination. Stdout is never used since it
// carries the LSP stream.
func logWriter(dest string, stderr io.Writer) (io.Writer, error) {
	if dest == "-" {
		return zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.TimeOnly}, nil
	}
	if dest == "" {
		path, err := xdg.StateFile(filepath.Join("dmypyls", "dmypyls.log"))
		if err != nil {
			return nil, errors.Wrap(err, "resolve log file")
		}
		dest = path
	} else if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, errors.Wrap(err, "create log directory")
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open log file %s", dest)
	}
	logOut = f
	return f, nil
}
