package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events [feature]",
	Short: "Show journaled loop events, oldest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var featureID string
		if len(args) > 0 {
			featureID = args[0]
		}
		return eventsRun(cmd.Context(), featureID)
	},
}

func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "l", 50, "Maximum number of most recent events")
	rootCmd.AddCommand(eventsCmd)
}

func eventsRun(ctx context.Context, featureID string) error {
	if eventsLimit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}
	j, err := openJournal(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	entries, err := j.ListEvents(ctx, featureID, eventsLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		ui.Info("No events recorded.")
		return nil
	}
	return ui.JournalTable(entries)
}
