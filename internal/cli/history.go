package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/greenloop/internal/session"
)

var historyCmd = &cobra.Command{
	Use:   "history [session]",
	Short: "Show the per-iteration history of a session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store := session.NewStore(cfg.Loop.SessionDir)

		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		if name == "" {
			if name, err = store.Latest(); err != nil {
				return err
			}
		}

		records, err := store.History(name)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(records, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		if len(records) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No history for session %q.\n", name)
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-6s %-6s %-6s %-6s %-8s %s\n", "ITER", "PASS", "FAIL", "TOTAL", "AVG", "TIMESTAMP")
		fmt.Fprintf(w, "%-6s %-6s %-6s %-6s %-8s %s\n",
			strings.Repeat("-", 6),
			strings.Repeat("-", 6),
			strings.Repeat("-", 6),
			strings.Repeat("-", 6),
			strings.Repeat("-", 8),
			strings.Repeat("-", 9))
		for _, rec := range records {
			fmt.Fprintf(w, "%-6d %-6d %-6d %-6d %-8.1f %s\n",
				rec.Iteration, rec.Pass, rec.Fail, rec.Total, rec.AvgScore, rec.Timestamp)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().String("config", "", "Path to the loop config")
	historyCmd.Flags().String("format", "text", "Output format: text or json")
}
