package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const apiPrefix = "/api/v1"

var (
	serverAddr string
	output     string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "rosterctl",
		Short:        "rosterctl controls the rostersync daemon",
		Long:         `A command line tool to inspect endpoints and history and to trigger syncs and sweeps.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "http://localhost:8080", "The address and port of the rostersync API server")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")

	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newSweepCommand())

	return rootCmd
}

func checkOutput() error {
	switch output {
	case "table", "json", "yaml":
		return nil
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}
