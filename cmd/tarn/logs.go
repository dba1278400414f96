package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <environment>",
		Short: "Print the recorded worker output and lifecycle of an environment",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	cmd.Flags().String("launch-id", "", "Only print output of this launch")
	cmd.Flags().Bool("events", false, "Print lifecycle events instead of worker output")
	return cmd
}

func runLogs(cmd *cobra.Command, args []string) error {
	name := args[0]
	launchID, err := cmd.Flags().GetString("launch-id")
	if err != nil {
		return fmt.Errorf("failed to get launch-id flag: %w", err)
	}
	events, err := cmd.Flags().GetBool("events")
	if err != nil {
		return fmt.Errorf("failed to get events flag: %w", err)
	}

	db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.GetEnvironment(cmd.Context(), name); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	out := cmd.OutOrStdout()
	if events {
		evs, err := db.ListEvents(cmd.Context(), name)
		if err != nil {
			return err
		}
		for _, e := range evs {
			from := e.From
			if from == "" {
				from = "-"
			}
			fmt.Fprintf(out, "%s  %s -> %s  %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), from, e.To, e.Detail)
		}
		return nil
	}

	lines, err := db.GetLogLines(cmd.Context(), name, launchID)
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Fprintln(out, l.Line)
	}
	return nil
}
