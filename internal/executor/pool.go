// Package executor runs fix workers: one per cluster with an actionable fix
// specification, concurrently, each bounded to its owned file set. Workers
// mutate only their owned files; edits to shared files must be proposed in
// the worker result and are reconciled later by the merge stage.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelworks/greenloop/internal/collab"
	"github.com/kestrelworks/greenloop/internal/ownership"
	"github.com/kestrelworks/greenloop/internal/synth"
)

// AppliedChange describes one file edit a worker applied within its owned set.
type AppliedChange struct {
	File    string `json:"file"`
	Summary string `json:"summary,omitempty"`
}

// SharedProposal is a worker's proposed edit to a shared file. Workers never
// write shared files directly.
type SharedProposal struct {
	File      string `json:"file"`
	Content   string `json:"content"`
	Rationale string `json:"rationale,omitempty"`
}

// FixResult is the per-cluster outcome of one worker invocation. A failed
// worker (non-zero exit, malformed output, timeout, or panic) yields a
// FixResult with zero applied changes and Failed set; it never aborts
// sibling workers.
type FixResult struct {
	Cluster        string           `json:"cluster"`
	Applied        []AppliedChange  `json:"applied_changes"`
	SharedProposed []SharedProposal `json:"shared_file_changes,omitempty"`
	Log            string           `json:"log,omitempty"`
	Failed         bool             `json:"failed,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
}

// workerRequest is the document fed to a fix worker on stdin.
type workerRequest struct {
	Cluster     string   `json:"cluster"`
	Instruction string   `json:"instruction"`
	OwnedFiles  []string `json:"owned_files"`
	SharedFiles []string `json:"shared_files"`
	ProjectRoot string   `json:"project_root"`
}

// Pool launches fix workers and collects their results.
type Pool struct {
	cmd         collab.CommandRunner
	command     string
	timeout     time.Duration
	projectRoot string
	limit       int // max concurrent workers; 0 = one goroutine per cluster
	progress    io.Writer
}

// New creates a Pool. limit bounds concurrent workers; pass 0 to run every
// cluster's worker at once.
func New(cmd collab.CommandRunner, command string, timeout time.Duration, projectRoot string, limit int) *Pool {
	return &Pool{
		cmd:         cmd,
		command:     command,
		timeout:     timeout,
		projectRoot: projectRoot,
		limit:       limit,
	}
}

// SetProgress sets a writer for live progress output.
func (p *Pool) SetProgress(w io.Writer) {
	p.progress = w
}

func (p *Pool) logf(format string, args ...interface{}) {
	if p.progress != nil {
		fmt.Fprintf(p.progress, "  → "+format+"\n", args...)
	}
}

// Run executes one worker per actionable specification and waits for all of
// them. Unfixable specifications are skipped. The returned map always has
// one FixResult per launched worker; worker failures are recorded in the
// result, not propagated as errors.
func (p *Pool) Run(ctx context.Context, specs map[string]synth.FixSpecification, owner *ownership.Map) map[string]*FixResult {
	clusters := make([]string, 0, len(specs))
	for name, spec := range specs {
		if spec.Actionable() {
			clusters = append(clusters, name)
		}
	}
	sort.Strings(clusters)
	if len(clusters) == 0 {
		return map[string]*FixResult{}
	}

	p.logf("launching %d fix worker(s)", len(clusters))

	// One result slot per cluster; each goroutine writes only its own slot,
	// so no locking is needed.
	slots := make([]*FixResult, len(clusters))
	g := new(errgroup.Group)
	if p.limit > 0 {
		g.SetLimit(p.limit)
	}

	for i, name := range clusters {
		i, name := i, name
		spec := specs[name]
		g.Go(func() error {
			slots[i] = p.runWorker(ctx, name, spec, owner)
			return nil
		})
	}
	// Workers never return errors; failures live in their result slots.
	_ = g.Wait()

	results := make(map[string]*FixResult, len(clusters))
	for i, name := range clusters {
		results[name] = slots[i]
	}
	return results
}

// runWorker invokes a single fix worker and parses its output. A panic in
// the invocation path is contained here so one worker's crash cannot take
// down the controller or its siblings.
func (p *Pool) runWorker(ctx context.Context, cluster string, spec synth.FixSpecification, owner *ownership.Map) (result *FixResult) {
	defer func() {
		if r := recover(); r != nil {
			result = &FixResult{
				Cluster:       cluster,
				Failed:        true,
				FailureReason: fmt.Sprintf("worker panicked: %v", r),
			}
		}
	}()

	req := workerRequest{
		Cluster:     cluster,
		Instruction: spec.Instruction,
		OwnedFiles:  owner.OwnedBy(cluster),
		SharedFiles: owner.Shared(),
		ProjectRoot: p.projectRoot,
	}
	stdin, err := json.Marshal(req)
	if err != nil {
		return &FixResult{Cluster: cluster, Failed: true, FailureReason: fmt.Sprintf("marshal request: %v", err)}
	}

	workerCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := p.cmd.Run(workerCtx, p.projectRoot, p.command, string(stdin))
	elapsed := time.Since(start).Round(time.Second)

	if err != nil {
		p.logf("worker %s failed after %s: %v", cluster, elapsed, err)
		return &FixResult{Cluster: cluster, Failed: true, FailureReason: err.Error(), Log: stderr}
	}
	if exitCode != 0 {
		p.logf("worker %s exited %d after %s", cluster, exitCode, elapsed)
		return &FixResult{
			Cluster:       cluster,
			Failed:        true,
			FailureReason: fmt.Sprintf("worker exited %d", exitCode),
			Log:           stderr,
		}
	}

	var fr FixResult
	if err := json.Unmarshal([]byte(stdout), &fr); err != nil {
		p.logf("worker %s produced malformed output", cluster)
		return &FixResult{
			Cluster:       cluster,
			Failed:        true,
			FailureReason: fmt.Sprintf("malformed worker output: %v", err),
			Log:           stderr,
		}
	}
	fr.Cluster = cluster
	p.logf("worker %s done in %s: %d change(s), %d shared proposal(s)",
		cluster, elapsed, len(fr.Applied), len(fr.SharedProposed))
	return &fr
}
