package cmd

import (
	"context"

	"github.com/overmindtech/vigil/daemon"
	"github.com/overmindtech/vigil/roles/client"
	"github.com/overmindtech/vigil/settings"
	"github.com/spf13/cobra"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run the vigil client",
	Long: `Runs the client role. The client connects to the transport and publishes
a keepalive every client.keepalive_interval while it is running.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := daemon.New(daemonOptions(settings.RoleClient), daemon.Deps{})

		return runRole(context.Background(), "client", client.New(c))
	},
}

func init() {
	rootCmd.AddCommand(clientCmd)
}
