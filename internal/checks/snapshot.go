package checks

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kestrelworks/greenloop/internal/fsutil"
)

// Snapshot captures the pre-iteration content of the mutable file set so
// that files failing validation can be reverted. Files absent at snapshot
// time are remembered as missing and deleted on restore.
type Snapshot struct {
	root    string
	files   map[string][]byte
	missing map[string]bool
}

// Take reads the current content of the given repo-relative files.
func Take(root string, files []string) (*Snapshot, error) {
	s := &Snapshot{
		root:    root,
		files:   make(map[string][]byte),
		missing: make(map[string]bool),
	}
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(root, f))
		if err != nil {
			if os.IsNotExist(err) {
				s.missing[f] = true
				continue
			}
			return nil, fmt.Errorf("snapshot %s: %w", f, err)
		}
		s.files[f] = data
	}
	return s, nil
}

// Has reports whether the snapshot covers the given file.
func (s *Snapshot) Has(file string) bool {
	return s.missing[file] || s.files[file] != nil
}

// Restore reverts one file to its snapshot content. A file that did not
// exist at snapshot time is removed.
func (s *Snapshot) Restore(file string) error {
	path := filepath.Join(s.root, file)
	if s.missing[file] {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", file, err)
		}
		return nil
	}
	data, ok := s.files[file]
	if !ok {
		return fmt.Errorf("no snapshot for %s", file)
	}
	if err := fsutil.WriteAtomic(path, data); err != nil {
		return fmt.Errorf("restore %s: %w", file, err)
	}
	return nil
}
