// Package checks statically validates files touched during an iteration.
// It applies a language-appropriate syntax check per file type and reverts
// files that fail to their pre-iteration snapshot. It is a safety net, not a
// build system: it never runs the full test suite.
package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrelworks/greenloop/internal/collab"
	"github.com/kestrelworks/greenloop/internal/config"
)

// FileResult holds the validation outcome for one file.
type FileResult struct {
	File   string `json:"file"`
	Valid  bool   `json:"valid"`
	Detail string `json:"detail,omitempty"`
}

// Outcome summarizes a validation pass over an iteration's touched files.
type Outcome struct {
	Valid    []string     `json:"valid"`
	Reverted []string     `json:"reverted"`
	Results  []FileResult `json:"results"`
}

// Validator checks file syntax by extension. JSON and YAML are validated
// in-process; other extensions use configured validator commands. Files with
// no applicable rule pass by default.
type Validator struct {
	cmd      collab.CommandRunner
	rules    map[string]config.Validator // extension (with dot) → command rule
	root     string
	progress io.Writer
}

// New creates a Validator for files under root.
func New(cmd collab.CommandRunner, rules map[string]config.Validator, root string) *Validator {
	return &Validator{cmd: cmd, rules: rules, root: root}
}

// SetProgress sets a writer for live progress output.
func (v *Validator) SetProgress(w io.Writer) {
	v.progress = w
}

func (v *Validator) logf(format string, args ...interface{}) {
	if v.progress != nil {
		fmt.Fprintf(v.progress, "  → "+format+"\n", args...)
	}
}

// Validate checks every touched file and reverts any that fail to their
// snapshot content. A single file's failure never aborts validation of the
// rest.
func (v *Validator) Validate(ctx context.Context, touched []string, snap *Snapshot) (*Outcome, error) {
	files := dedupe(touched)
	outcome := &Outcome{}

	for _, f := range files {
		res := v.validateFile(ctx, f)
		outcome.Results = append(outcome.Results, res)
		if res.Valid {
			outcome.Valid = append(outcome.Valid, f)
			continue
		}
		v.logf("file %s failed validation: %s", f, res.Detail)
		if snap != nil && snap.Has(f) {
			if err := snap.Restore(f); err != nil {
				return nil, fmt.Errorf("revert %s: %w", f, err)
			}
			v.logf("reverted %s to pre-iteration content", f)
		}
		outcome.Reverted = append(outcome.Reverted, f)
	}
	return outcome, nil
}

// validateFile applies the syntax check for one file.
func (v *Validator) validateFile(ctx context.Context, file string) FileResult {
	path := filepath.Join(v.root, file)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// A touched-then-deleted file has no syntax to check.
			return FileResult{File: file, Valid: true}
		}
		return FileResult{File: file, Valid: false, Detail: fmt.Sprintf("read: %v", err)}
	}

	ext := strings.ToLower(filepath.Ext(file))
	switch ext {
	case ".json":
		if !json.Valid(data) {
			return FileResult{File: file, Valid: false, Detail: "invalid JSON"}
		}
		return FileResult{File: file, Valid: true}
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return FileResult{File: file, Valid: false, Detail: fmt.Sprintf("invalid YAML: %v", err)}
		}
		return FileResult{File: file, Valid: true}
	}

	rule, ok := v.rules[ext]
	if !ok {
		return FileResult{File: file, Valid: true}
	}

	command := strings.ReplaceAll(rule.Command, "{file}", path)
	callCtx, cancel := context.WithTimeout(ctx, rule.TimeoutDuration(time.Minute))
	defer cancel()

	_, stderr, exitCode, err := v.cmd.Run(callCtx, v.root, command, "")
	if err != nil {
		return FileResult{File: file, Valid: false, Detail: fmt.Sprintf("validator error: %v", err)}
	}
	if exitCode != 0 {
		return FileResult{File: file, Valid: false, Detail: firstLine(stderr)}
	}
	return FileResult{File: file, Valid: true}
}

func dedupe(files []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range files {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
