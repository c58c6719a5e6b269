package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/greenloop/internal/ledger"
	"github.com/kestrelworks/greenloop/internal/session"
)

// sessionStatus is the status view of one session.
type sessionStatus struct {
	Session       string  `json:"session"`
	LastIteration int     `json:"last_iteration"`
	LastRunID     string  `json:"last_run_id,omitempty"`
	Pass          int     `json:"pass"`
	Fail          int     `json:"fail"`
	Total         int     `json:"total"`
	AvgScore      float64 `json:"avg_score"`
	Unfixable     int     `json:"unfixable"`
}

var statusCmd = &cobra.Command{
	Use:   "status [session]",
	Short: "Show the last recorded state of a session",
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
		if !store.Exists(name) {
			return fmt.Errorf("session %q not found under %s", name, store.BaseDir())
		}

		st := sessionStatus{Session: name}
		if iter, ok, err := store.LastIteration(name); err != nil {
			return err
		} else if ok {
			st.LastIteration = iter
		}
		if id, ok, err := store.LastRunID(name); err != nil {
			return err
		} else if ok {
			st.LastRunID = id
		}
		if history, err := store.History(name); err == nil && len(history) > 0 {
			last := history[len(history)-1]
			st.Pass, st.Fail, st.Total, st.AvgScore = last.Pass, last.Fail, last.Total, last.AvgScore
		}
		if led, err := ledger.Load(store.LedgerPath(name)); err == nil {
			st.Unfixable = led.Len()
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(st, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "session:        %s\n", st.Session)
		fmt.Fprintf(w, "last iteration: %d\n", st.LastIteration)
		if st.LastRunID != "" {
			fmt.Fprintf(w, "last test run:  %s\n", st.LastRunID)
		}
		fmt.Fprintf(w, "last counts:    %d/%d pass (avg %.1f)\n", st.Pass, st.Total, st.AvgScore)
		fmt.Fprintf(w, "unfixable:      %d\n", st.Unfixable)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("config", "", "Path to the loop config")
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
