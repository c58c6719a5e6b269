package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kestrelworks/greenloop/internal/checkpoint"
	"github.com/kestrelworks/greenloop/internal/checks"
	"github.com/kestrelworks/greenloop/internal/collab"
	"github.com/kestrelworks/greenloop/internal/config"
	"github.com/kestrelworks/greenloop/internal/executor"
	"github.com/kestrelworks/greenloop/internal/extract"
	"github.com/kestrelworks/greenloop/internal/harness"
	"github.com/kestrelworks/greenloop/internal/ledger"
	"github.com/kestrelworks/greenloop/internal/mergestage"
	"github.com/kestrelworks/greenloop/internal/orchestrator"
	"github.com/kestrelworks/greenloop/internal/ownership"
	"github.com/kestrelworks/greenloop/internal/results"
	"github.com/kestrelworks/greenloop/internal/session"
	"github.com/kestrelworks/greenloop/internal/synth"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the convergence loop until it converges, stalls, or exhausts its budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		sessionName, _ := cmd.Flags().GetString("session")
		store := session.NewStore(cfg.Loop.SessionDir)
		if sessionName == "" {
			if latest, err := store.Latest(); err == nil {
				sessionName = latest
			} else if cfg.Loop.Name != "" {
				sessionName = cfg.Loop.Name
			} else {
				return fmt.Errorf("no session given and none found under %s", store.BaseDir())
			}
		}

		maxIterations := flagOrConfig(cmd, "max-iterations", cfg.Loop.MaxIterations)
		workers := flagOrConfig(cmd, "workers", cfg.Loop.Workers)
		testWorkers := flagOrConfig(cmd, "test-workers", cfg.Loop.TestWorkers)
		skipFirstTest, _ := cmd.Flags().GetBool("skip-first-test")
		skipBuild, _ := cmd.Flags().GetBool("skip-build")
		resume, _ := cmd.Flags().GetBool("resume")

		if err := store.Ensure(sessionName); err != nil {
			return err
		}

		// The result store being unreachable is session-fatal before any
		// iteration is attempted.
		db, err := results.Open(store.ResultsDBPath(sessionName))
		if err != nil {
			return err
		}
		defer db.Close()

		led, err := ledger.Load(store.LedgerPath(sessionName))
		if err != nil {
			return err
		}

		ctrl := buildController(cfg, store, db, led, sessionName, workers)
		ctrl.SetProgress(cmd.ErrOrStderr())

		// Interrupts stop the loop between iterations, never mid-phase.
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		summary, err := ctrl.Run(ctx, orchestrator.RunOpts{
			Session:       sessionName,
			MaxIterations: maxIterations,
			TestWorkers:   testWorkers,
			SkipFirstTest: skipFirstTest,
			SkipBuild:     skipBuild,
			Resume:        resume,
		})
		if summary != nil {
			printSummary(cmd, summary)
		}
		if err != nil {
			return &exitError{code: 4, msg: err.Error()}
		}
		switch summary.Reason {
		case orchestrator.Converged:
			return nil
		case orchestrator.Stalled:
			return &exitError{code: 2, msg: "loop stalled"}
		case orchestrator.MaxIterationsReached:
			return &exitError{code: 3, msg: "iteration budget exhausted"}
		default:
			return &exitError{code: 4, msg: fmt.Sprintf("loop terminated: %s", summary.Reason)}
		}
	},
}

// buildController wires the loop stages from config. All collaborator
// invocations share one ExecRunner; git gets its own runner.
func buildController(cfg *config.Config, store *session.Store, db *results.DB, led *ledger.Ledger, sessionName string, workers int) *orchestrator.Controller {
	l := &cfg.Loop
	runner := &collab.ExecRunner{}
	progress := os.Stderr

	owner := ownership.New(l.Ownership.Owned, l.Ownership.Shared)
	extractor := extract.New(db, l.Membership())

	synthesizer := synth.New(runner, l.Synthesizer.Command, l.Synthesizer.TimeoutDuration(10*time.Minute), l.ProjectRoot)
	synthesizer.SetProgress(progress)

	if workers <= 0 {
		workers = l.Workers
	}
	pool := executor.New(runner, l.FixWorker.Command, l.FixWorker.TimeoutDuration(30*time.Minute), l.ProjectRoot, workers)
	pool.SetProgress(progress)

	merger := mergestage.New(runner, l.Merger.Command, l.Merger.TimeoutDuration(10*time.Minute), l.ProjectRoot)
	merger.SetProgress(progress)

	validator := checks.New(runner, l.Validators, l.ProjectRoot)
	validator.SetProgress(progress)

	committer := checkpoint.NewCommitter(&checkpoint.ExecGit{}, l.ProjectRoot, l.MutableDirs)
	committer.SetProgress(progress)

	harnessRunner := harness.New(
		runner, l.Harness.Command,
		store.RunIDPath(sessionName, l.Harness.RunIDFile),
		l.Harness.TimeoutDuration(time.Hour), l.ProjectRoot,
	)
	harnessRunner.SetProgress(progress)

	return orchestrator.NewController(
		l, store, db, extractor, led,
		synthesizer, pool, merger, validator, committer, harnessRunner,
		owner, uuid.NewString(),
	)
}

// printSummary renders the final run summary. It is printed for every
// termination state.
func printSummary(cmd *cobra.Command, s *orchestrator.Summary) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "\nsession:     %s\n", s.Session)
	fmt.Fprintf(w, "result:      %s\n", s.Reason)
	fmt.Fprintf(w, "iterations:  %d\n", s.Iterations)
	fmt.Fprintf(w, "final:       %d pass / %d fail / %d error (total %d, avg score %.1f)\n",
		s.FinalPass, s.FinalFail, s.FinalErrors, s.FinalTotal, s.FinalAvgScore)
	fmt.Fprintf(w, "unfixable:   %d\n", s.Unfixable)
	if s.Regressions > 0 {
		fmt.Fprintf(w, "regressions: %d\n", s.Regressions)
	}
	if len(s.History) > 0 {
		fmt.Fprintln(w, "history:")
		for _, rec := range s.History {
			fmt.Fprintf(w, "  iter %-3d %d/%d pass, avg %.1f\n", rec.Iteration, rec.Pass, rec.Total, rec.AvgScore)
		}
	}
}

// flagOrConfig resolves an integer setting: a flag given on the command line
// wins, an unset flag defers to the config value, and the flag's default
// covers a config that doesn't set the field either.
func flagOrConfig(cmd *cobra.Command, name string, cfgValue int) int {
	if !cmd.Flags().Changed(name) && cfgValue > 0 {
		return cfgValue
	}
	v, _ := cmd.Flags().GetInt(name)
	return v
}

// loadConfig loads the loop config from --config or the default locations
// and rejects invalid configs with every violation listed.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(cmd.ErrOrStderr(), "config: %s\n", e)
		}
		return nil, fmt.Errorf("invalid config (%d error(s))", len(errs))
	}
	return cfg, nil
}

func init() {
	runCmd.Flags().String("config", "", "Path to the loop config (default: greenloop.yaml, ~/.greenloop/config.yaml)")
	runCmd.Flags().String("session", "", "Session name (default: most recently modified session)")
	runCmd.Flags().Int("max-iterations", 5, "Maximum loop iterations for this invocation")
	runCmd.Flags().Int("workers", 3, "Maximum concurrent fix workers")
	runCmd.Flags().Int("test-workers", 4, "Worker count passed to the test harness")
	runCmd.Flags().Bool("skip-first-test", false, "Reuse the latest recorded test run for the first iteration if current enough")
	runCmd.Flags().Bool("skip-build", false, "Ask the harness to skip deployment/build steps")
	runCmd.Flags().Bool("resume", false, "Resume from the last completed iteration")
}
