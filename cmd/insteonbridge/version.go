package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "insteonbridge %s (commit %s, built %s)\n", version, commit, date)
		return err
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
