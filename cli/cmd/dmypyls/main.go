package main

import (
	_ "github.com/Olimi-org/dmypyls/cli/cmd/dmypyls/check"
	"github.com/Olimi-org/dmypyls/cli/cmd/dmypyls/cmdutil"
	_ "github.com/Olimi-org/dmypyls/cli/cmd/dmypyls/config"
	_ "github.com/Olimi-org/dmypyls/cli/cmd/dmypyls/lsp"
	"github.com/Olimi-org/dmypyls/cli/cmd/dmypyls/root"
)

func main() {
	if err := root.Execute(); err != nil {
		cmdutil.Fatal(err)
	}
}
