// Package harness invokes the external test harness. The harness executes
// the end-to-end scenarios, writes outcomes into the session's result store,
// and leaves the new test-run identifier in a file for the loop to read.
package harness

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelworks/greenloop/internal/collab"
)

// Runner invokes the harness command and reads back the run identifier.
type Runner struct {
	cmd         collab.CommandRunner
	command     string
	runIDPath   string
	timeout     time.Duration
	projectRoot string
	progress    io.Writer
}

// New creates a harness Runner. runIDPath is the resolved path of the file
// the harness writes the new test-run identifier to.
func New(cmd collab.CommandRunner, command, runIDPath string, timeout time.Duration, projectRoot string) *Runner {
	return &Runner{
		cmd:         cmd,
		command:     command,
		runIDPath:   runIDPath,
		timeout:     timeout,
		projectRoot: projectRoot,
	}
}

// SetProgress sets a writer for live progress output.
func (r *Runner) SetProgress(w io.Writer) {
	r.progress = w
}

func (r *Runner) logf(format string, args ...interface{}) {
	if r.progress != nil {
		fmt.Fprintf(r.progress, "  → "+format+"\n", args...)
	}
}

// Run invokes the harness for the given session and returns the new test-run
// identifier. The invocation is bounded by the configured timeout; a timeout
// or non-zero exit is this call's failure, not a crash of the caller.
func (r *Runner) Run(ctx context.Context, sessionName string, testWorkers int, skipBuild bool) (string, error) {
	skipFlag := ""
	if skipBuild {
		skipFlag = "--skip-build"
	}
	command := strings.NewReplacer(
		"{session}", sessionName,
		"{test_workers}", strconv.Itoa(testWorkers),
		"{skip_build_flag}", skipFlag,
	).Replace(r.command)

	// A stale run-id file must not be mistaken for fresh harness output.
	if err := os.Remove(r.runIDPath); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("clear stale run id file: %w", err)
	}

	r.logf("running test harness (%d test workers)", testWorkers)
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	_, stderr, exitCode, err := r.cmd.Run(callCtx, r.projectRoot, command, "")
	if err != nil {
		return "", fmt.Errorf("test harness: %w", err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("test harness exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	r.logf("harness finished in %s", time.Since(start).Round(time.Second))

	data, err := os.ReadFile(r.runIDPath)
	if err != nil {
		return "", fmt.Errorf("read run id file %s: %w", r.runIDPath, err)
	}
	runID := strings.TrimSpace(string(data))
	if runID == "" {
		return "", fmt.Errorf("run id file %s is empty", r.runIDPath)
	}
	return runID, nil
}
