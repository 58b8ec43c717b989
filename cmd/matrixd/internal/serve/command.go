package serve

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func NewServeCommand() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Start the matrixd backend daemon",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags.set = changedFlags(cmd)
			return serveCmd(flags)
		},
	}

	cmd.Flags().StringVar(&flags.dir, "dir", "", "Working directory for accounts, credentials and sync tokens")
	cmd.Flags().StringVar(&flags.af, "af", "", "Address family of the frontend listener (inet or unix)")
	cmd.Flags().StringVar(&flags.address, "address", "", "Listen address for af inet")
	cmd.Flags().IntVar(&flags.port, "port", 0, "Listen port for af inet")
	cmd.Flags().StringVar(&flags.sockfile, "sockfile", "", "Socket file for af unix")
	cmd.Flags().BoolVar(&flags.pushAccounts, "push-accounts", false, "Push account list to a newly connected frontend")
	cmd.Flags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// changedFlags records which flags were given on the command line, so only
// those override the config file.
func changedFlags(cmd *cobra.Command) map[string]bool {
	set := make(map[string]bool)
	cmd.Flags().Visit(func(f *pflag.Flag) { set[f.Name] = true })
	return set
}
