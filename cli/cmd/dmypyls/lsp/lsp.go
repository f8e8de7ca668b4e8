package lsp

import (
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Olimi-org/dmypyls/cli/cmd/dmypyls/cmdutil"
	"github.com/Olimi-org/dmypyls/cli/cmd/dmypyls/lsp/server"
	"github.com/Olimi-org/dmypyls/cli/cmd/dmypyls/root"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the LSP server on stdio",
	Run:   runStart,
}

func runStart(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	lspServer := server.NewLSPServer(server.Options{Version: root.Version})

	// Start blocks on stdio until the connection closes.
	if err := lspServer.Start(ctx); err != nil {
		if errors.Is(err, server.ErrExitWithoutShutdown) {
			log.Warn().Msg("lsp: client exited without shutdown")
			cmdutil.Fatal(err)
		}
		log.Error().Err(err).Msg("lsp: server error")
		cmdutil.Fatal("lsp server error: ", err)
	}
}

func init() {
	lspCmd.AddCommand(startCmd)
	root.Cmd.AddCommand(lspCmd)
	// Editors launch the bare binary.
	root.Cmd.Run = runStart
}

var lspCmd = &cobra.Command{
	Use:   "lsp",
	Short: "LSP (Language Server Protocol) server publishing dmypy diagnostics",
}
