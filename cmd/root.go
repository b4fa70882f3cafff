package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	config  = "./config/uopool.yaml"
	rootCmd = &cobra.Command{
		Use:   "ap-uopool",
		Short: "ERC-4337 user operation pool",
		Long: `Run and inspect an ERC-4337 user operation pool.

Such as "ap-uopool run", "ap-uopool inspect" or "ap-uopool backup"
`,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", config, "Path to config file")
}
