package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nuqql/matrixd/cmd/matrixd/internal"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show matrixd version",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("matrixd %s (%s)\n", internal.FormatVersion(), internal.GoVersion())
		},
	}
}
