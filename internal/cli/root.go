package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "greenloop",
	Short: "greenloop — an autonomous test-fix convergence loop",
	Long: `greenloop repeatedly runs a test harness, clusters the failures,
obtains fix specifications from an external reasoning collaborator, applies
them with concurrent per-cluster workers, validates and commits the result,
and keeps iterating until the suite converges, stalls, or the iteration
budget runs out.

All per-session state lives under the session directory (SQLite for results
and audit events, JSON for the unfixable ledger, line-oriented history log).`,

	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

// exitError carries a process exit code through cobra's error return so the
// final summary can distinguish termination states.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

// ExitCode maps an Execute error to the process exit code. Converged runs
// return no error and exit 0; stalled, budget-exhausted, and fatal runs get
// distinct codes.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(ledgerCmd)
}
