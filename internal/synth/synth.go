// Package synth invokes the external fix synthesizer: given the filtered
// per-cluster failures for one iteration, it obtains a fix specification per
// cluster, each either actionable or explicitly unfixable.
package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/kestrelworks/greenloop/internal/collab"
	"github.com/kestrelworks/greenloop/internal/extract"
)

// Synthesizer turns clustered failures into fix specifications by invoking
// the reasoning collaborator once per iteration.
type Synthesizer struct {
	cmd         collab.CommandRunner
	command     string
	timeout     time.Duration
	projectRoot string
	progress    io.Writer
}

// New creates a Synthesizer.
func New(cmd collab.CommandRunner, command string, timeout time.Duration, projectRoot string) *Synthesizer {
	return &Synthesizer{
		cmd:         cmd,
		command:     command,
		timeout:     timeout,
		projectRoot: projectRoot,
	}
}

// SetProgress sets a writer for live progress output.
func (s *Synthesizer) SetProgress(w io.Writer) {
	s.progress = w
}

func (s *Synthesizer) logf(format string, args ...interface{}) {
	if s.progress != nil {
		fmt.Fprintf(s.progress, "  → "+format+"\n", args...)
	}
}

// requestCluster is one cluster block in the document sent to the
// collaborator.
type requestCluster struct {
	Name     string            `json:"name"`
	Failures []extract.Failure `json:"failures"`
}

// request is the document fed to the synthesizer on stdin.
type request struct {
	ProjectRoot string           `json:"project_root"`
	Clusters    []requestCluster `json:"clusters"`
}

// BuildDocument renders the filtered failures into the collaborator input
// document. Clusters are ordered by name so the document is deterministic
// for a given failure set.
func (s *Synthesizer) BuildDocument(failures map[string][]extract.Failure) ([]byte, error) {
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)

	req := request{ProjectRoot: s.projectRoot}
	for _, name := range names {
		req.Clusters = append(req.Clusters, requestCluster{
			Name:     name,
			Failures: failures[name],
		})
	}

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal synthesis request: %w", err)
	}
	return data, nil
}

// Synthesize invokes the collaborator over the filtered failures and returns
// one FixSpecification per cluster, plus the raw request document for audit.
// An unreachable collaborator or a malformed response is returned as an
// error; callers treat either as fatal for the loop run.
func (s *Synthesizer) Synthesize(ctx context.Context, failures map[string][]extract.Failure) (map[string]FixSpecification, []byte, error) {
	doc, err := s.BuildDocument(failures)
	if err != nil {
		return nil, nil, err
	}

	known := make(map[string]bool, len(failures))
	for name := range failures {
		known[name] = true
	}

	s.logf("invoking synthesizer for %d cluster(s)", len(failures))
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stdout, stderr, exitCode, err := s.cmd.Run(callCtx, s.projectRoot, s.command, string(doc))
	if err != nil {
		return nil, doc, fmt.Errorf("synthesizer unreachable: %w", err)
	}
	if exitCode != 0 {
		return nil, doc, fmt.Errorf("synthesizer exited %d: %s", exitCode, firstLine(stderr))
	}

	specs, err := ParseSpecs([]byte(stdout), known)
	if err != nil {
		return nil, doc, err
	}
	s.logf("synthesizer returned %d spec(s)", len(specs))
	return specs, doc, nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
