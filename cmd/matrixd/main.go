package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nuqql/matrixd/cmd/matrixd/internal"
	"github.com/nuqql/matrixd/cmd/matrixd/internal/serve"
	"github.com/nuqql/matrixd/cmd/matrixd/internal/version"
)

func NewMatrixdCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "matrixd",
		Short:   "matrixd - Matrix backend daemon for nuqql v" + internal.GetVersion(),
		Example: "matrixd serve",
	}

	cmd.AddCommand(
		serve.NewServeCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewMatrixdCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
