package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/greenloop/internal/ledger"
	"github.com/kestrelworks/greenloop/internal/session"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger [session]",
	Short: "List the work-items declared permanently unfixable",
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

		led, err := ledger.Load(store.LedgerPath(name))
		if err != nil {
			return err
		}
		entries := led.Entries()

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(entries, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		if len(entries) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No unfixable entries for session %q.\n", name)
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-24s %-12s %-16s %-6s %s\n", "WORK-ITEM", "MODE", "CLUSTER", "ITER", "REASON")
		fmt.Fprintf(w, "%-24s %-12s %-16s %-6s %s\n",
			strings.Repeat("-", 24),
			strings.Repeat("-", 12),
			strings.Repeat("-", 16),
			strings.Repeat("-", 6),
			strings.Repeat("-", 6))
		for _, e := range entries {
			fmt.Fprintf(w, "%-24s %-12s %-16s %-6d %s\n", e.WorkItem, e.Mode, e.Cluster, e.Iteration, e.Reason)
		}
		return nil
	},
}

func init() {
	ledgerCmd.Flags().String("config", "", "Path to the loop config")
	ledgerCmd.Flags().String("format", "text", "Output format: text or json")
}
