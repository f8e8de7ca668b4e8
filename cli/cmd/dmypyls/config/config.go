package config

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/Olimi-org/dmypyls/cli/cmd/dmypyls/cmdutil"
	"github.com/Olimi-org/dmypyls/cli/cmd/dmypyls/root"
	"github.com/Olimi-org/dmypyls/pkg/dmypyconf"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Commands to create and inspect dmypyls.yaml",
}

var force bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Writes a starter dmypyls.yaml in the current directory",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		wd, err := os.Getwd()
		if err != nil {
			cmdutil.Fatal(err)
		}
		command := dmypyconf.DetectCommand(wd)
		path, err := dmypyconf.WriteTemplate(wd, command, force)
		if err != nil {
			cmdutil.Fatal(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (dmypy_command: %v)\n", color.CyanString(path), command)
	},
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Prints the configuration in effect for the current directory",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		configs := &dmypyconf.Resolver{}
		wsRoot := cmdutil.WorkspaceRoot(configs)
		cfg, err := configs.Load(wsRoot)
		if err != nil && !errors.Is(err, dmypyconf.ErrNoCommand) {
			cmdutil.Fatal(err)
		}
		if err := show(cmd.OutOrStdout(), wsRoot, cfg); err != nil {
			cmdutil.Fatal(err)
		}
	},
}

type description struct {
	Root           string   `json:"root"`
	Source         string   `json:"source"`
	Command        []string `json:"dmypy_command"`
	DaemonFlags    []string `json:"daemon_flags"`
	StatusFile     string   `json:"status_file"`
	Debounce       debounce `json:"debounce"`
	CheckTimeout   string   `json:"check_timeout"`
	StartTimeout   string   `json:"start_timeout"`
	StopGrace      string   `json:"stop_grace"`
	Crash          crash    `json:"crash"`
	RestartBackoff string   `json:"restart_backoff"`
	Extensions     []string `json:"extensions"`
}

type debounce struct {
	Open   string `json:"open"`
	Change string `json:"change"`
}

type crash struct {
	Threshold int    `json:"threshold"`
	Window    string `json:"window"`
}

func show(w io.Writer, wsRoot string, cfg *dmypyconf.Config) error {
	source := cfg.Source
	if source == "" {
		source = "(defaults)"
	}
	out, err := yaml.Marshal(description{
		Root:           wsRoot,
		Source:         source,
		Command:        cfg.Command,
		DaemonFlags:    cfg.DaemonFlags,
		StatusFile:     cfg.StatusFile,
		Debounce:       debounce{Open: cfg.OpenDebounce.String(), Change: cfg.ChangeDebounce.String()},
		CheckTimeout:   cfg.CheckTimeout.String(),
		StartTimeout:   cfg.StartTimeout.String(),
		StopGrace:      cfg.StopGrace.String(),
		Crash:          crash{Threshold: cfg.CrashThreshold, Window: cfg.CrashWindow.String()},
		RestartBackoff: cfg.RestartBackoff.String(),
		Extensions:     cfg.Extensions,
	})
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	_, err = w.Write(out)
	return err
}

func init() {
	initCmd.Flags().BoolVar(&force, "force", false, "replace an existing configuration file")
	configCmd.AddCommand(initCmd)
	configCmd.AddCommand(showCmd)
	root.Cmd.AddCommand(configCmd)
}
