package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Score every active node and save the preferred-node snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			report, err := a.scorer.Recompute(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NODE\tGROUP\tENTRIES\tINDEX\tPREFERRED")
			for _, s := range report.Scores {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%.4f\t%t\n", s.NodeID, s.Group, s.Entries, s.Index, s.Preferred)
			}
			for _, id := range report.Failed {
				fmt.Fprintf(tw, "%d\t-\t-\t-\tunreachable\n", id)
			}
			return tw.Flush()
		})
	},
}

var activateGroupCmd = &cobra.Command{
	Use:   "activate-group <group>",
	Short: "Issue a credential in a group for every live subscription missing one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			stats, err := a.orch.BulkActivateGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created=%d skipped=%d skipped_no_keys=%d failed=%d\n",
				stats.Created, stats.Skipped, stats.SkippedNoKeys, stats.Failed)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(recomputeCmd, activateGroupCmd)
}
