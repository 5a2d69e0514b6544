package cmd

import (
	"context"

	"github.com/overmindtech/vigil/daemon"
	"github.com/overmindtech/vigil/roles/server"
	"github.com/overmindtech/vigil/settings"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the vigil server",
	Long: `Runs the server role. The server connects to the transport and the data
store and records the latest keepalive of every client.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := daemon.New(daemonOptions(settings.RoleServer), daemon.Deps{})

		return runRole(context.Background(), "server", server.New(c))
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
