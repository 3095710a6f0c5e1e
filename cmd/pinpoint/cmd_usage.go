package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"pinpoint/internal/usage"
)

var usageDir string

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show accumulated model token usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		tracker, err := usage.NewTracker(usageDir)
		if err != nil {
			return err
		}
		stats := tracker.Stats()
		fmt.Printf("calls:      %d\n", stats.TotalSession.Calls)
		fmt.Printf("prompt:     %d tokens\n", stats.TotalSession.Prompt)
		fmt.Printf("completion: %d tokens\n", stats.TotalSession.Completion)
		fmt.Printf("latency:    %d ms total\n", stats.TotalSession.LatencyMS)

		if len(stats.ByOutcome) > 0 {
			breakdown, err := json.MarshalIndent(stats.ByOutcome, "", "  ")
			if err != nil {
				return err
			}
			fmt.Printf("by outcome:\n%s\n", breakdown)
		}
		return nil
	},
}

func init() {
	usageCmd.Flags().StringVar(&usageDir, "dir", ".pinpoint", "directory holding usage.json")
}
