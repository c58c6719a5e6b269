package config

import "time"

// Config is the top-level configuration structure parsed from greenloop YAML.
type Config struct {
	Loop Loop `yaml:"loop"`
}

// Loop defines the full convergence loop: session layout, external
// collaborators, clustering, and file ownership.
type Loop struct {
	Name          string               `yaml:"name"`
	ProjectRoot   string               `yaml:"project_root"`
	SessionDir    string               `yaml:"session_dir"`
	MaxIterations int                  `yaml:"max_iterations"`
	Workers       int                  `yaml:"workers"`
	TestWorkers   int                  `yaml:"test_workers"`
	MinInstances  int                  `yaml:"min_instances"`
	Harness       Harness              `yaml:"harness"`
	Synthesizer   Collaborator         `yaml:"synthesizer"`
	FixWorker     Collaborator         `yaml:"fix_worker"`
	Merger        Collaborator         `yaml:"merger"`
	Clusters      map[string][]string  `yaml:"clusters"`
	Ownership     Ownership            `yaml:"ownership"`
	MutableDirs   []string             `yaml:"mutable_dirs"`
	Validators    map[string]Validator `yaml:"validators"`
}

// Harness defines how the external test harness is invoked. The command may
// reference {session}, {test_workers} and {skip_build_flag} placeholders.
// On success the harness writes the new test-run identifier to run_id_file
// (relative paths resolve under the session directory).
type Harness struct {
	Command   string `yaml:"command"`
	RunIDFile string `yaml:"run_id_file"`
	Timeout   string `yaml:"timeout"`
}

// Collaborator defines an external reasoning command invoked with a JSON
// document on stdin and expected to produce a JSON document on stdout.
type Collaborator struct {
	Command string `yaml:"command"`
	Timeout string `yaml:"timeout"`
}

// Ownership partitions the repository's mutable files: each cluster owns a
// disjoint set of files (read-write for that cluster's worker), and shared
// files are propose-only for every worker.
type Ownership struct {
	Owned  map[string][]string `yaml:"owned"`
	Shared []string            `yaml:"shared"`
}

// Validator defines a syntax check command for a file extension. The command
// may reference a {file} placeholder. Exit code 0 means the file is valid.
type Validator struct {
	Command string `yaml:"command"`
	Timeout string `yaml:"timeout"`
}

// TimeoutDuration parses the harness timeout, returning def when unset or
// unparsable.
func (h Harness) TimeoutDuration(def time.Duration) time.Duration {
	return parseTimeout(h.Timeout, def)
}

// TimeoutDuration parses the collaborator timeout, returning def when unset
// or unparsable.
func (c Collaborator) TimeoutDuration(def time.Duration) time.Duration {
	return parseTimeout(c.Timeout, def)
}

// TimeoutDuration parses the validator timeout, returning def when unset or
// unparsable.
func (v Validator) TimeoutDuration(def time.Duration) time.Duration {
	return parseTimeout(v.Timeout, def)
}

func parseTimeout(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Membership builds the work-item → cluster index from the cluster
// membership table. Validate reports overlapping membership; this method
// assumes a valid config and keeps the first assignment for any duplicate.
func (l *Loop) Membership() map[string]string {
	m := make(map[string]string)
	for cluster, items := range l.Clusters {
		for _, item := range items {
			if _, ok := m[item]; !ok {
				m[item] = cluster
			}
		}
	}
	return m
}
