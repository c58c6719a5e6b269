package orchestrator

import (
	"context"

	"github.com/kestrelworks/greenloop/internal/checks"
	"github.com/kestrelworks/greenloop/internal/executor"
	"github.com/kestrelworks/greenloop/internal/extract"
	"github.com/kestrelworks/greenloop/internal/mergestage"
	"github.com/kestrelworks/greenloop/internal/ownership"
	"github.com/kestrelworks/greenloop/internal/results"
	"github.com/kestrelworks/greenloop/internal/session"
	"github.com/kestrelworks/greenloop/internal/synth"
)

// TerminationReason is the terminal state of a loop run.
type TerminationReason string

const (
	// Converged: all tracked tests pass, or nothing fixable remains.
	Converged TerminationReason = "converged"
	// Stalled: iteration ceased to improve measured outcomes.
	Stalled TerminationReason = "stalled"
	// MaxIterationsReached: the iteration budget ran out first.
	MaxIterationsReached TerminationReason = "max_iterations"
	// Fatal: a non-recoverable failure; committed checkpoints remain valid.
	Fatal TerminationReason = "fatal"
)

// Phase names the sequential steps of one iteration.
type Phase string

const (
	PhaseTesting      Phase = "testing"
	PhaseExtracting   Phase = "extracting"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseFixing       Phase = "fixing"
	PhaseMerging      Phase = "merging"
	PhaseValidating   Phase = "validating"
	PhaseCommitting   Phase = "committing"
	PhaseEvaluating   Phase = "evaluating"
)

// RunOpts configures one controller invocation.
type RunOpts struct {
	Session       string
	MaxIterations int
	TestWorkers   int
	SkipFirstTest bool // reuse the latest recorded run for the first iteration if current enough
	SkipBuild     bool
	Resume        bool
}

// Summary is the user-visible outcome of a loop run. It is produced for
// every termination state.
type Summary struct {
	Session       string                    `json:"session"`
	Reason        TerminationReason         `json:"reason"`
	Iterations    int                       `json:"iterations"`
	FinalPass     int                       `json:"final_pass"`
	FinalFail     int                       `json:"final_fail"`
	FinalErrors   int                       `json:"final_errors"`
	FinalTotal    int                       `json:"final_total"`
	FinalAvgScore float64                   `json:"final_avg_score"`
	Unfixable     int                       `json:"unfixable"`
	Regressions   int                       `json:"regressions"`
	History       []session.IterationRecord `json:"history"`
}

// resultStore is the subset of the result store the controller needs.
type resultStore interface {
	GetRun(id string) (*results.TestRun, error)
	LatestRun(sessionName string) (*results.TestRun, error)
	Outcomes(runID string) ([]results.Outcome, error)
	InstanceCount(runID string) (int, error)
	LogLoopEvent(sessionName, loopID string, iteration int, event, detail string) error
}

// harnessRunner invokes the external test harness.
type harnessRunner interface {
	Run(ctx context.Context, sessionName string, testWorkers int, skipBuild bool) (string, error)
}

// synthesizer obtains fix specifications for clustered failures.
type synthesizer interface {
	Synthesize(ctx context.Context, failures map[string][]extract.Failure) (map[string]synth.FixSpecification, []byte, error)
}

// fixPool runs fix workers over actionable specifications.
type fixPool interface {
	Run(ctx context.Context, specs map[string]synth.FixSpecification, owner *ownership.Map) map[string]*executor.FixResult
}

// merger reconciles proposed shared-file edits.
type merger interface {
	Merge(ctx context.Context, fixResults map[string]*executor.FixResult) (*mergestage.Report, error)
}

// fileValidator syntax-checks touched files and reverts failures.
type fileValidator interface {
	Validate(ctx context.Context, touched []string, snap *checks.Snapshot) (*checks.Outcome, error)
}

// committer snapshots the working tree after an iteration.
type committer interface {
	CheckRepo() error
	Commit(iteration int, summary string) (string, error)
}
