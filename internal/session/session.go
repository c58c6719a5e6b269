// Package session manages the per-session working directory: the result
// store path, resume markers, the iteration history log, worker logs, and
// audit copies of collaborator documents.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelworks/greenloop/internal/fsutil"
)

// Store manages session state on disk.
type Store struct {
	baseDir string // defaults to ~/.greenloop/sessions
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.greenloop/sessions, creating the
// directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".greenloop", "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Dir returns the directory path for a session.
func (s *Store) Dir(name string) string {
	return filepath.Join(s.baseDir, name)
}

// Ensure creates the session directory layout.
func (s *Store) Ensure(name string) error {
	for _, sub := range []string{"audit", "logs"} {
		if err := os.MkdirAll(filepath.Join(s.Dir(name), sub), 0o755); err != nil {
			return fmt.Errorf("mkdir session %s: %w", name, err)
		}
	}
	return nil
}

// Exists reports whether the session directory exists.
func (s *Store) Exists(name string) bool {
	info, err := os.Stat(s.Dir(name))
	return err == nil && info.IsDir()
}

// Latest returns the name of the most recently modified session directory,
// used to auto-detect the session when none is given.
func (s *Store) Latest() (string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no sessions found under %s", s.baseDir)
		}
		return "", fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var latest string
	var latestMod time.Time
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if latest == "" || info.ModTime().After(latestMod) {
			latest = entry.Name()
			latestMod = info.ModTime()
		}
	}
	if latest == "" {
		return "", fmt.Errorf("no sessions found under %s", s.baseDir)
	}
	return latest, nil
}

// ResultsDBPath returns the path of the session's SQLite result store. The
// harness writes into the same file.
func (s *Store) ResultsDBPath(name string) string {
	return filepath.Join(s.Dir(name), "results.db")
}

// LedgerPath returns the path of the session's unfixable ledger.
func (s *Store) LedgerPath(name string) string {
	return filepath.Join(s.Dir(name), "unfixable.json")
}

// RunIDPath resolves the harness run-id file for a session. Absolute paths
// are kept as-is; relative paths resolve under the session directory.
func (s *Store) RunIDPath(name, runIDFile string) string {
	if filepath.IsAbs(runIDFile) {
		return runIDFile
	}
	return filepath.Join(s.Dir(name), runIDFile)
}

// --- resume markers ---

func (s *Store) lastIterationPath(name string) string {
	return filepath.Join(s.Dir(name), "last_iteration")
}

func (s *Store) lastRunIDPath(name string) string {
	return filepath.Join(s.Dir(name), "last_run_id")
}

// SetLastIteration persists the "last completed iteration" marker.
func (s *Store) SetLastIteration(name string, iteration int) error {
	return fsutil.WriteAtomic(s.lastIterationPath(name), []byte(strconv.Itoa(iteration)+"\n"))
}

// LastIteration reads the "last completed iteration" marker. The second
// return value is false when no marker has been written.
func (s *Store) LastIteration(name string) (int, bool, error) {
	data, err := os.ReadFile(s.lastIterationPath(name))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read last iteration marker: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, fmt.Errorf("parse last iteration marker: %w", err)
	}
	return n, true, nil
}

// SetLastRunID persists the "last test-run id" marker.
func (s *Store) SetLastRunID(name, runID string) error {
	return fsutil.WriteAtomic(s.lastRunIDPath(name), []byte(runID+"\n"))
}

// LastRunID reads the "last test-run id" marker. The second return value is
// false when no marker has been written.
func (s *Store) LastRunID(name string) (string, bool, error) {
	data, err := os.ReadFile(s.lastRunIDPath(name))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read last run id marker: %w", err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", false, nil
	}
	return id, true, nil
}

// --- audit artifacts ---

// SaveAudit writes a collaborator document under the session's audit
// directory for later inspection.
func (s *Store) SaveAudit(name, filename string, data []byte) error {
	return fsutil.WriteAtomic(filepath.Join(s.Dir(name), "audit", filename), data)
}

// SaveWorkerLog persists one fix worker's execution log.
func (s *Store) SaveWorkerLog(name string, iteration int, cluster string, log string) error {
	file := fmt.Sprintf("iter-%d-%s.log", iteration, cluster)
	return fsutil.WriteAtomic(filepath.Join(s.Dir(name), "logs", file), []byte(log))
}
