package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"keyfleet/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the keyfleet build",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
