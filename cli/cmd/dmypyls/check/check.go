// Package check implements "dmypyls check", a one-shot run of the daemon
// over a set of paths.
package check

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Olimi-org/dmypyls/cli/cmd/dmypyls/cmdutil"
	"github.com/Olimi-org/dmypyls/cli/cmd/dmypyls/root"
	"github.com/Olimi-org/dmypyls/cli/daemon"
	"github.com/Olimi-org/dmypyls/pkg/diagnostics"
	"github.com/Olimi-org/dmypyls/pkg/dmypyconf"
)

var keepDaemon bool

var checkCmd = &cobra.Command{
	Use:   "check [paths...]",
	Short: "Runs dmypy once and prints the diagnostics",
	Long: `Runs dmypy once over the given paths (the workspace root by default)
and prints the diagnostics. Exits with status 1 if any errors were reported.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		configs := &dmypyconf.Resolver{}
		wsRoot := cmdutil.WorkspaceRoot(configs)
		ctrl, _ := cmdutil.NewController(wsRoot, configs)

		paths, err := absPaths(args, wsRoot)
		if err != nil {
			cmdutil.Fatal(err)
		}
		stopSpinner := startSpinner()
		resp, err := ctrl.Submit(ctx, daemon.CheckCommand(paths, nil))
		stopSpinner()
		if !keepDaemon {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			if cerr := ctrl.Close(stopCtx); cerr != nil {
				log.Warn().Err(cerr).Msg("check: stopping daemon")
			}
			cancel()
		}
		if err != nil {
			cmdutil.Fatal(err)
		}

		m, perrs := diagnostics.Translate(wsRoot, resp.Stdout)
		for _, perr := range perrs {
			log.Warn().Err(perr).Msg("check: skipped output line")
		}
		if numErrors := printDiagnostics(os.Stdout, wsRoot, m); numErrors > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	checkCmd.Flags().BoolVar(&keepDaemon, "keep-daemon", false, "leave the daemon running after the check")
	root.Cmd.AddCommand(checkCmd)
}

// startSpinner shows progress on stderr when it is a terminal.
func startSpinner() (stop func()) {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " Running dmypy"
	s.Start()
	return s.Stop
}

func absPaths(args []string, wsRoot string) ([]string, error) {
	if len(args) == 0 {
		return []string{wsRoot}, nil
	}
	out := make([]string, 0, len(args))
	for _, arg := range args {
		p, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// printDiagnostics writes m to w, one line per diagnostic with paths
// relative to wsRoot, followed by a summary. It returns the number of
// errors.
func printDiagnostics(w io.Writer, wsRoot string, m diagnostics.Mapping) int {
	var (
		bold   = color.New(color.Bold).SprintFunc()
		red    = color.New(color.FgRed, color.Bold).SprintFunc()
		yellow = color.New(color.FgYellow).SprintFunc()
		cyan   = color.New(color.FgCyan).SprintFunc()
		faint  = color.New(color.Faint).SprintFunc()
	)

	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	numErrors, files := 0, 0
	for _, p := range paths {
		display := p
		if rel, err := filepath.Rel(wsRoot, p); err == nil && !filepath.IsAbs(rel) {
			display = rel
		}
		fileHasError := false
		for _, d := range m[p] {
			sev := d.Severity.String()
			switch d.Severity {
			case diagnostics.SeverityError:
				sev = red(sev)
				numErrors++
				fileHasError = true
			case diagnostics.SeverityWarning:
				sev = yellow(sev)
			default:
				sev = cyan(sev)
			}
			line := fmt.Sprintf("%s: %s: %s", bold(fmt.Sprintf("%s:%d:%d", display, d.Line, d.Column)), sev, d.Message)
			if d.Code != "" {
				line += "  " + faint("["+d.Code+"]")
			}
			fmt.Fprintln(w, line)
		}
		if fileHasError {
			files++
		}
	}

	switch {
	case numErrors == 0:
		fmt.Fprintln(w, color.GreenString("Success: no issues found"))
	case files == 1:
		fmt.Fprintln(w, red(fmt.Sprintf("Found %d error(s) in 1 file", numErrors)))
	default:
		fmt.Fprintln(w, red(fmt.Sprintf("Found %d error(s) in %d files", numErrors, files)))
	}
	return numErrors
}
