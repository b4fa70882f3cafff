package cmd

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"

	cfg "github.com/AvaProtocol/ap-uopool/core/config"
	"github.com/AvaProtocol/ap-uopool/core/uopool"
	"github.com/AvaProtocol/ap-uopool/pkg/byte4"
	"github.com/AvaProtocol/ap-uopool/storage"
)

var (
	inspectEntryPoint string
	inspectLimit      int

	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Print persisted pool and reputation state",
		Long: `Open the database read-only and print pooled operations, reputation records
and bundle counts for every configured entry point.

Use --entrypoint to restrict the output to one entry point.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeConfig, err := cfg.NewConfig(config)
			if err != nil {
				return err
			}

			entryPoints := nodeConfig.EntryPoints
			if inspectEntryPoint != "" {
				if !common.IsHexAddress(inspectEntryPoint) {
					return fmt.Errorf("invalid entry point %q", inspectEntryPoint)
				}
				entryPoints = []common.Address{common.HexToAddress(inspectEntryPoint)}
			}

			db, err := storage.New(&storage.Config{Path: nodeConfig.DbPath, ReadOnly: true})
			if err != nil {
				return fmt.Errorf("failed to open database %s: %w", nodeConfig.DbPath, err)
			}
			defer db.Close()

			printer := pp.New()
			printer.SetOutput(os.Stdout)

			for _, ep := range entryPoints {
				d, err := uopool.ReadDump(db, ep, nodeConfig.Pool)
				if err != nil {
					return err
				}

				fmt.Printf("Entry point %s\n", ep.Hex())
				fmt.Printf("  operations: %d, reputation records: %d\n", len(d.Entries), len(d.Reputation))
				printer.Println(d.Bundles)

				for i, e := range d.Entries {
					if inspectLimit > 0 && i >= inspectLimit {
						fmt.Printf("  ... and %d more operations\n", len(d.Entries)-inspectLimit)
						break
					}
					fmt.Printf("  #%d %s calls %s\n", e.Sequence, e.Hash.Hex(), byte4.DescribeCall(e.Op.CallData))
					printer.Println(e.Op.ToRPC())
				}
				printer.Println(d.Reputation)
			}
			return nil
		},
	}
)

func init() {
	inspectCmd.Flags().StringVar(&inspectEntryPoint, "entrypoint", "", "Only inspect this entry point")
	inspectCmd.Flags().IntVar(&inspectLimit, "limit", 20, "Maximum operations printed per entry point, 0 for all")
	rootCmd.AddCommand(inspectCmd)
}
