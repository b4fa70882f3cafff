package cmd

import (
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-uopool/node"
)

var (
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the pool node",
		Long: `Initialize and run the pool node with its admin HTTP server.

Use --config=path-to-your-config-file. default is=./config/uopool.yaml `,
		RunE: func(cmd *cobra.Command, args []string) error {
			return node.RunWithConfig(config)
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
