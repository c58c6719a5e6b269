// Package mergestage reconciles shared-file edits proposed by fix workers.
// When more than one worker proposes changes to shared files, a single
// external reconciliation call merges all proposals together; unresolved
// conflicts are reported, not fatal — the change validator is the final gate.
package mergestage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/kestrelworks/greenloop/internal/collab"
	"github.com/kestrelworks/greenloop/internal/executor"
	"github.com/kestrelworks/greenloop/internal/fsutil"
)

// Proposal is one worker's proposed shared-file edit, tagged with the
// proposing cluster.
type Proposal struct {
	Cluster   string `json:"cluster"`
	File      string `json:"file"`
	Content   string `json:"content"`
	Rationale string `json:"rationale,omitempty"`
}

// MergedFile is the reconciled content for one shared file.
type MergedFile struct {
	File    string `json:"file"`
	Content string `json:"content"`
}

// Conflict describes a shared-file region the reconciler could not resolve.
type Conflict struct {
	File     string   `json:"file"`
	Clusters []string `json:"clusters,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// Report is the outcome of the merge stage for one iteration.
type Report struct {
	Merged    []MergedFile `json:"merged"`
	Conflicts []Conflict   `json:"conflicts,omitempty"`
}

// Written returns the repo-relative paths of shared files the stage wrote.
func (r *Report) Written() []string {
	files := make([]string, 0, len(r.Merged))
	for _, m := range r.Merged {
		files = append(files, m.File)
	}
	return files
}

// Stage invokes the external merge reconciler.
type Stage struct {
	cmd         collab.CommandRunner
	command     string
	timeout     time.Duration
	projectRoot string
	progress    io.Writer
}

// New creates a merge Stage.
func New(cmd collab.CommandRunner, command string, timeout time.Duration, projectRoot string) *Stage {
	return &Stage{
		cmd:         cmd,
		command:     command,
		timeout:     timeout,
		projectRoot: projectRoot,
	}
}

// SetProgress sets a writer for live progress output.
func (s *Stage) SetProgress(w io.Writer) {
	s.progress = w
}

func (s *Stage) logf(format string, args ...interface{}) {
	if s.progress != nil {
		fmt.Fprintf(s.progress, "  → "+format+"\n", args...)
	}
}

// CollectProposals gathers shared-file proposals from the worker results in
// deterministic (cluster, file) order. Failed workers contribute nothing.
func CollectProposals(fixResults map[string]*executor.FixResult) []Proposal {
	clusters := make([]string, 0, len(fixResults))
	for name := range fixResults {
		clusters = append(clusters, name)
	}
	sort.Strings(clusters)

	var proposals []Proposal
	for _, name := range clusters {
		fr := fixResults[name]
		if fr == nil || fr.Failed {
			continue
		}
		for _, sp := range fr.SharedProposed {
			proposals = append(proposals, Proposal{
				Cluster:   name,
				File:      sp.File,
				Content:   sp.Content,
				Rationale: sp.Rationale,
			})
		}
	}
	return proposals
}

// mergeRequest is the document fed to the reconciler on stdin.
type mergeRequest struct {
	ProjectRoot string     `json:"project_root"`
	Proposals   []Proposal `json:"proposals"`
}

// Merge reconciles all shared-file proposals of an iteration. With no
// proposals it is a no-op that emits an empty report without invoking the
// reconciler. Merged contents are written to the shared files; conflicts are
// logged and carried in the report.
func (s *Stage) Merge(ctx context.Context, fixResults map[string]*executor.FixResult) (*Report, error) {
	proposals := CollectProposals(fixResults)
	if len(proposals) == 0 {
		return &Report{}, nil
	}

	req := mergeRequest{ProjectRoot: s.projectRoot, Proposals: proposals}
	stdin, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal merge request: %w", err)
	}

	s.logf("reconciling %d shared-file proposal(s)", len(proposals))
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stdout, stderr, exitCode, err := s.cmd.Run(callCtx, s.projectRoot, s.command, string(stdin))
	if err != nil {
		return nil, fmt.Errorf("merge reconciler unreachable: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("merge reconciler exited %d: %s", exitCode, stderr)
	}

	var report Report
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		return nil, fmt.Errorf("malformed merge reconciler output: %w", err)
	}

	for _, m := range report.Merged {
		path := filepath.Join(s.projectRoot, m.File)
		if err := fsutil.WriteAtomic(path, []byte(m.Content)); err != nil {
			return nil, fmt.Errorf("write merged file %s: %w", m.File, err)
		}
	}
	for _, c := range report.Conflicts {
		s.logf("merge conflict in %s: %s", c.File, c.Detail)
	}
	s.logf("merged %d file(s), %d conflict(s)", len(report.Merged), len(report.Conflicts))
	return &report, nil
}
