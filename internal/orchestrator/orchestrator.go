// Package orchestrator drives the autonomous test-fix convergence loop:
// run tests, cluster failures, synthesize fixes, apply them concurrently,
// validate and commit, then decide whether to keep iterating, stop because
// everything passes, or stop because no further improvement is being made.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/kestrelworks/greenloop/internal/checks"
	"github.com/kestrelworks/greenloop/internal/config"
	"github.com/kestrelworks/greenloop/internal/extract"
	"github.com/kestrelworks/greenloop/internal/ledger"
	"github.com/kestrelworks/greenloop/internal/ownership"
	"github.com/kestrelworks/greenloop/internal/results"
	"github.com/kestrelworks/greenloop/internal/session"
	"github.com/kestrelworks/greenloop/internal/synth"
)

// Controller composes the loop's stages and drives iterations.
type Controller struct {
	cfg       *config.Loop
	store     *session.Store
	db        resultStore
	extractor *extract.Extractor
	led       *ledger.Ledger
	synth     synthesizer
	pool      fixPool
	merger    merger
	validator fileValidator
	committer committer
	harness   harnessRunner
	owner     *ownership.Map
	loopID    string // correlation id stamped on loop events
	progress  io.Writer

	activeSession string // set at Run entry; the controller is single-threaded
}

// NewController creates a Controller.
func NewController(
	cfg *config.Loop,
	store *session.Store,
	db resultStore,
	extractor *extract.Extractor,
	led *ledger.Ledger,
	synthesizer synthesizer,
	pool fixPool,
	merger merger,
	validator fileValidator,
	committer committer,
	harness harnessRunner,
	owner *ownership.Map,
	loopID string,
) *Controller {
	return &Controller{
		cfg:       cfg,
		store:     store,
		db:        db,
		extractor: extractor,
		led:       led,
		synth:     synthesizer,
		pool:      pool,
		merger:    merger,
		validator: validator,
		committer: committer,
		harness:   harness,
		owner:     owner,
		loopID:    loopID,
	}
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (c *Controller) SetProgress(w io.Writer) {
	c.progress = w
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.progress != nil {
		fmt.Fprintf(c.progress, format+"\n", args...)
	}
}

// iterationContext carries one iteration's working state through the phases.
// It replaces ad hoc shared bookkeeping: every phase method receives it
// explicitly.
type iterationContext struct {
	n        int // iteration number (1-based, monotonic across resumes)
	run      *results.TestRun
	outcomes []results.Outcome
	filtered map[string][]extract.Failure
	specs    map[string]synth.FixSpecification
	snapshot *checks.Snapshot
	touched  []string
	reverted int
}

// Run drives the loop to a terminal state. A Summary is returned for every
// termination; the error is non-nil only for Fatal terminations and
// session-fatal startup failures (where the Summary is nil).
func (c *Controller) Run(ctx context.Context, opts RunOpts) (*Summary, error) {
	c.activeSession = opts.Session

	// Session-fatal preconditions: checked before any iteration.
	if err := c.committer.CheckRepo(); err != nil {
		return nil, err
	}
	if err := c.store.Ensure(opts.Session); err != nil {
		return nil, err
	}

	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = c.cfg.MaxIterations
	}
	testWorkers := opts.TestWorkers
	if testWorkers <= 0 {
		testWorkers = c.cfg.TestWorkers
	}

	startIter, reuseRunID, err := c.resolveStart(opts)
	if err != nil {
		return nil, err
	}

	var lastRun *results.TestRun
	var prevOutcomes map[string]string // work-item|mode → status, from the prior iteration
	regressions := 0
	completed := 0

	for n := 0; n < maxIterations; n++ {
		iter := startIter + n

		// Stop requests are honored between iterations only, never mid-phase.
		if err := ctx.Err(); err != nil {
			c.event(iter, "cancelled", err.Error())
			return c.summary(opts.Session, Fatal, lastRun, completed, regressions), err
		}

		ic := &iterationContext{n: iter}
		c.logf("iteration %d: %s", iter, PhaseTesting)

		// 1. Obtain a test run: reuse only the explicitly requested run, and
		// only when it has enough recorded instances to be trusted.
		runID := ""
		reused := false
		if n == 0 && reuseRunID != "" {
			count, err := c.db.InstanceCount(reuseRunID)
			if err == nil && count >= c.cfg.MinInstances {
				runID = reuseRunID
				reused = true
				c.logf("iteration %d: reusing test run %s (%d instances)", iter, runID, count)
			} else {
				c.logf("iteration %d: recorded run %s is not current enough — fresh run required", iter, reuseRunID)
			}
		}
		if runID == "" {
			id, err := c.harness.Run(ctx, opts.Session, testWorkers, opts.SkipBuild)
			if err != nil {
				c.event(iter, "harness_failed", err.Error())
				return c.summary(opts.Session, Fatal, lastRun, completed, regressions), fmt.Errorf("iteration %d: %w", iter, err)
			}
			runID = id
		}

		run, err := c.db.GetRun(runID)
		if err != nil {
			return c.summary(opts.Session, Fatal, lastRun, completed, regressions), fmt.Errorf("iteration %d: load test run: %w", iter, err)
		}
		if run == nil {
			return c.summary(opts.Session, Fatal, lastRun, completed, regressions), fmt.Errorf("iteration %d: test run %s not found in result store", iter, runID)
		}
		ic.run = run
		lastRun = run
		c.event(iter, "test_run", fmt.Sprintf("run=%s pass=%d fail=%d errors=%d avg=%.1f", run.ID, run.Pass, run.Fail, run.Errors, run.AvgScore))

		// 2. Convergence: all tracked tests pass. Errors count as failures
		// here; an erroring work-item is not a passing one.
		if run.Fail+run.Errors == 0 && run.Pass > 0 {
			c.logf("iteration %d: all %d tests pass — converged", iter, run.Pass)
			c.event(iter, "converged", "")
			return c.summary(opts.Session, Converged, lastRun, completed, regressions), nil
		}

		// 3. Regression check: informational only. A regression is logged
		// and counted but never blocks the iteration.
		outcomes, err := c.db.Outcomes(runID)
		if err != nil {
			return c.summary(opts.Session, Fatal, lastRun, completed, regressions), fmt.Errorf("iteration %d: load outcomes: %w", iter, err)
		}
		ic.outcomes = outcomes
		cur := outcomeIndex(outcomes)
		if prevOutcomes != nil {
			for key, status := range cur {
				if prevOutcomes[key] == "pass" && status != "pass" {
					regressions++
					c.logf("iteration %d: regression: %s now %s", iter, key, status)
					c.event(iter, "regression", fmt.Sprintf("%s now %s", key, status))
				}
			}
		}
		prevOutcomes = cur

		// 4. Stall check against the trailing window of the history log. A
		// reused run is not a new measurement: its counts already sit in the
		// history's last entry, so comparing it against itself would stall
		// every resume before the first fix phase.
		history, err := c.store.History(opts.Session)
		if err != nil {
			return c.summary(opts.Session, Fatal, lastRun, completed, regressions), fmt.Errorf("iteration %d: read history: %w", iter, err)
		}
		if !reused && stalled(history, run) {
			c.logf("iteration %d: no improvement over trailing iterations — stalled", iter)
			c.event(iter, "stalled", "")
			return c.summary(opts.Session, Stalled, lastRun, completed, regressions), nil
		}

		// 5.–9. The fix phases.
		reason, err := c.runFixPhases(ctx, opts.Session, ic)
		if err != nil {
			c.event(iter, "fatal", err.Error())
			return c.summary(opts.Session, Fatal, lastRun, completed, regressions), err
		}
		if reason == Converged {
			return c.summary(opts.Session, Converged, lastRun, completed, regressions), nil
		}

		// 10. Commit the checkpoint and persist iteration state.
		if err := c.commitIteration(opts.Session, ic); err != nil {
			c.event(iter, "fatal", err.Error())
			return c.summary(opts.Session, Fatal, lastRun, completed, regressions), err
		}
		completed++
	}

	c.logf("iteration budget exhausted after %d iteration(s)", maxIterations)
	return c.summary(opts.Session, MaxIterationsReached, lastRun, completed, regressions), nil
}

// resolveStart decides the first iteration number and whether an existing
// test run may satisfy the first Testing phase.
func (c *Controller) resolveStart(opts RunOpts) (int, string, error) {
	startIter := 1
	reuseRunID := ""

	if opts.Resume {
		k, ok, err := c.store.LastIteration(opts.Session)
		if err != nil {
			return 0, "", err
		}
		if ok {
			startIter = k + 1
		}
		id, ok, err := c.store.LastRunID(opts.Session)
		if err != nil {
			return 0, "", err
		}
		if ok {
			reuseRunID = id
		}
	}

	if opts.SkipFirstTest && reuseRunID == "" {
		run, err := c.db.LatestRun(opts.Session)
		if err != nil {
			return 0, "", err
		}
		if run != nil {
			reuseRunID = run.ID
		}
	}

	return startIter, reuseRunID, nil
}

// runFixPhases executes Extracting → Synthesizing → Fixing → Merging →
// Validating for one iteration. It returns Converged when nothing fixable
// remains, "" to continue, or an error for fatal conditions.
func (c *Controller) runFixPhases(ctx context.Context, sessionName string, ic *iterationContext) (TerminationReason, error) {
	// 5. Extract failures and filter out known dead ends.
	c.logf("iteration %d: %s", ic.n, PhaseExtracting)
	raw, err := c.extractor.Extract(ic.run.ID)
	if err != nil {
		return "", fmt.Errorf("iteration %d: extract failures: %w", ic.n, err)
	}
	ic.filtered = extract.FilterUnfixable(raw, c.led)
	if len(ic.filtered) == 0 {
		c.logf("iteration %d: every remaining failure is known-unfixable — converged", ic.n)
		c.event(ic.n, "converged", "nothing left worth fixing")
		return Converged, nil
	}
	c.logf("iteration %d: %d cluster(s) with fixable failures", ic.n, len(ic.filtered))

	// 6. Synthesize fix specifications. A malformed or unreachable
	// synthesizer is fatal for this run; committed checkpoints stay valid.
	c.logf("iteration %d: %s", ic.n, PhaseSynthesizing)
	specs, doc, docErr := c.synth.Synthesize(ctx, ic.filtered)
	if doc != nil {
		_ = c.store.SaveAudit(sessionName, fmt.Sprintf("iter-%d-failures.json", ic.n), doc)
	}
	if docErr != nil {
		return "", fmt.Errorf("iteration %d: synthesis: %w", ic.n, docErr)
	}
	ic.specs = specs

	// 7. Persist newly-unfixable clusters, expanded over the static
	// membership table.
	if err := c.recordUnfixable(sessionName, ic); err != nil {
		return "", fmt.Errorf("iteration %d: record unfixable: %w", ic.n, err)
	}

	// 8. Run the fix executor pool over actionable specifications. The
	// snapshot of the mutable file set is taken first so validation can
	// revert anything the workers or the merge stage break.
	c.logf("iteration %d: %s", ic.n, PhaseFixing)
	snap, err := checks.Take(c.cfg.ProjectRoot, c.owner.AllFiles())
	if err != nil {
		return "", fmt.Errorf("iteration %d: snapshot mutable files: %w", ic.n, err)
	}
	ic.snapshot = snap

	fixResults := c.pool.Run(ctx, specs, c.owner)
	for cluster, fr := range fixResults {
		if fr.Log != "" {
			_ = c.store.SaveWorkerLog(sessionName, ic.n, cluster, fr.Log)
		}
		if fr.Failed {
			c.logf("iteration %d: worker %s failed: %s", ic.n, cluster, fr.FailureReason)
			c.event(ic.n, "worker_failed", fmt.Sprintf("cluster=%s: %s", cluster, fr.FailureReason))
			continue
		}
		for _, ch := range fr.Applied {
			ic.touched = append(ic.touched, ch.File)
		}
	}

	// 9a. Merge shared-file proposals.
	c.logf("iteration %d: %s", ic.n, PhaseMerging)
	report, err := c.merger.Merge(ctx, fixResults)
	if err != nil {
		return "", fmt.Errorf("iteration %d: merge: %w", ic.n, err)
	}
	ic.touched = append(ic.touched, report.Written()...)
	for _, conflict := range report.Conflicts {
		c.event(ic.n, "merge_conflict", fmt.Sprintf("file=%s %s", conflict.File, conflict.Detail))
	}

	// 9b. Validate every touched file; revert the ones that fail.
	c.logf("iteration %d: %s", ic.n, PhaseValidating)
	outcome, err := c.validator.Validate(ctx, ic.touched, ic.snapshot)
	if err != nil {
		return "", fmt.Errorf("iteration %d: validate: %w", ic.n, err)
	}
	ic.reverted = len(outcome.Reverted)
	for _, f := range outcome.Reverted {
		c.event(ic.n, "reverted", f)
	}

	return "", nil
}

// recordUnfixable appends ledger entries for every cluster the synthesizer
// declared unfixable, expanded to all work-items of that cluster via the
// static membership table and tagged with the modes observed this iteration.
func (c *Controller) recordUnfixable(sessionName string, ic *iterationContext) error {
	var entries []ledger.Entry
	for cluster, spec := range ic.specs {
		if !spec.Unfixable {
			continue
		}
		c.logf("iteration %d: cluster %s declared unfixable: %s", ic.n, cluster, spec.Reason)
		c.event(ic.n, "unfixable", fmt.Sprintf("cluster=%s reason=%s", cluster, spec.Reason))

		modes := observedModes(ic.filtered[cluster])
		for _, item := range c.cfg.Clusters[cluster] {
			for _, mode := range modes {
				entries = append(entries, ledger.Entry{
					WorkItem:  item,
					Mode:      mode,
					Cluster:   cluster,
					Reason:    spec.Reason,
					Iteration: ic.n,
				})
			}
		}
	}
	if len(entries) == 0 {
		return nil
	}
	return c.led.Append(entries)
}

// commitIteration runs the Committing phase and records iteration state: the
// checkpoint, the history line, and the resume markers.
func (c *Controller) commitIteration(sessionName string, ic *iterationContext) error {
	c.logf("iteration %d: %s", ic.n, PhaseCommitting)

	checkpointID, err := c.committer.Commit(ic.n, c.commitSummary(ic))
	if err != nil {
		return fmt.Errorf("iteration %d: commit checkpoint: %w", ic.n, err)
	}
	if checkpointID != "" {
		c.event(ic.n, "checkpoint", checkpointID)
	}

	rec := session.IterationRecord{
		Iteration: ic.n,
		Pass:      ic.run.Pass,
		Fail:      ic.run.Fail + ic.run.Errors,
		Total:     ic.run.Total,
		AvgScore:  ic.run.AvgScore,
	}
	if err := c.store.AppendHistory(sessionName, rec); err != nil {
		return fmt.Errorf("iteration %d: append history: %w", ic.n, err)
	}
	if err := c.store.SetLastIteration(sessionName, ic.n); err != nil {
		return fmt.Errorf("iteration %d: persist iteration marker: %w", ic.n, err)
	}
	if err := c.store.SetLastRunID(sessionName, ic.run.ID); err != nil {
		return fmt.Errorf("iteration %d: persist run id marker: %w", ic.n, err)
	}
	c.event(ic.n, "iteration_completed", "")
	return nil
}

// commitSummary renders the checkpoint commit message body: clusters
// touched, failures addressed, and the pass rate before the iteration.
func (c *Controller) commitSummary(ic *iterationContext) string {
	clusters := make([]string, 0, len(ic.filtered))
	failures := 0
	for name, fs := range ic.filtered {
		clusters = append(clusters, name)
		failures += len(fs)
	}
	sort.Strings(clusters)

	var b strings.Builder
	fmt.Fprintf(&b, "clusters: %s\n", strings.Join(clusters, ", "))
	fmt.Fprintf(&b, "failures addressed: %d\n", failures)
	if ic.run.Total > 0 {
		fmt.Fprintf(&b, "pass rate before: %d/%d (%.0f%%)\n",
			ic.run.Pass, ic.run.Total, float64(ic.run.Pass)/float64(ic.run.Total)*100)
	}
	if ic.reverted > 0 {
		fmt.Fprintf(&b, "files reverted by validation: %d\n", ic.reverted)
	}
	return b.String()
}

// event best-effort logs to the loop audit trail.
func (c *Controller) event(iteration int, event, detail string) {
	_ = c.db.LogLoopEvent(c.activeSession, c.loopID, iteration, event, detail)
}

// summary builds the user-visible run summary; it is produced for every
// termination state.
func (c *Controller) summary(sessionName string, reason TerminationReason, lastRun *results.TestRun, completed, regressions int) *Summary {
	s := &Summary{
		Session:     sessionName,
		Reason:      reason,
		Iterations:  completed,
		Unfixable:   c.led.Len(),
		Regressions: regressions,
	}
	if lastRun != nil {
		s.FinalPass = lastRun.Pass
		s.FinalFail = lastRun.Fail
		s.FinalErrors = lastRun.Errors
		s.FinalTotal = lastRun.Total
		s.FinalAvgScore = lastRun.AvgScore
	}
	if history, err := c.store.History(sessionName); err == nil {
		s.History = history
	}
	return s
}

// observedModes returns the sorted distinct failure modes present in a
// cluster's failures.
func observedModes(failures []extract.Failure) []string {
	seen := make(map[string]bool)
	var modes []string
	for _, f := range failures {
		if !seen[f.Mode] {
			seen[f.Mode] = true
			modes = append(modes, f.Mode)
		}
	}
	sort.Strings(modes)
	return modes
}

// outcomeIndex keys per-work-item outcomes for regression comparison.
func outcomeIndex(outcomes []results.Outcome) map[string]string {
	idx := make(map[string]string, len(outcomes))
	for _, o := range outcomes {
		idx[o.WorkItem+"|"+o.Mode] = o.Status
	}
	return idx
}

// stalled reports whether the current run fails to improve on the trailing
// window of the history log: neither the pass count nor the average score
// beats the best of the last two recorded iterations.
func stalled(history []session.IterationRecord, run *results.TestRun) bool {
	if len(history) == 0 {
		return false
	}
	window := history
	if len(window) > 2 {
		window = window[len(window)-2:]
	}
	bestPass := 0
	bestAvg := 0.0
	for _, rec := range window {
		if rec.Pass > bestPass {
			bestPass = rec.Pass
		}
		if rec.AvgScore > bestAvg {
			bestAvg = rec.AvgScore
		}
	}
	return run.Pass <= bestPass && run.AvgScore <= bestAvg
}
