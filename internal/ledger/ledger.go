// Package ledger persists the set of (work-item, mode) pairs previously
// declared unfixable. The ledger is append-only for the life of a session:
// entries are never mutated or removed, and the loop consults it to avoid
// retrying known dead ends.
package ledger

import (
	"fmt"
	"os"
	"time"

	"github.com/kestrelworks/greenloop/internal/fsutil"
)

// Entry records one work-item declared unfixable in one evaluation mode.
type Entry struct {
	WorkItem   string `json:"work_item"`
	Mode       string `json:"mode"`
	Cluster    string `json:"cluster"`
	Reason     string `json:"reason"`
	Iteration  int    `json:"iteration"`
	RecordedAt string `json:"recorded_at"`
}

type entryKey struct {
	workItem string
	mode     string
}

// Ledger is the in-memory view of the persisted unfixable set.
type Ledger struct {
	path    string
	entries []Entry
	index   map[entryKey]bool
}

// ledgerFile is the on-disk shape.
type ledgerFile struct {
	Entries []Entry `json:"entries"`
}

// Load reads the ledger at path. A missing file yields an empty ledger.
func Load(path string) (*Ledger, error) {
	l := &Ledger{path: path, index: make(map[entryKey]bool)}

	var f ledgerFile
	if err := fsutil.ReadJSON(path, &f); err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	l.entries = f.Entries
	for _, e := range f.Entries {
		l.index[entryKey{e.WorkItem, e.Mode}] = true
	}
	return l, nil
}

// Append records new entries and rewrites the ledger file atomically.
// Pairs already present are skipped so the set only ever grows by new keys.
func (l *Ledger) Append(entries []Entry) error {
	added := false
	now := time.Now().UTC().Format(time.RFC3339)
	for _, e := range entries {
		key := entryKey{e.WorkItem, e.Mode}
		if l.index[key] {
			continue
		}
		if e.RecordedAt == "" {
			e.RecordedAt = now
		}
		l.entries = append(l.entries, e)
		l.index[key] = true
		added = true
	}
	if !added {
		return nil
	}
	if err := fsutil.WriteJSON(l.path, ledgerFile{Entries: l.entries}); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// Contains reports whether the (work-item, mode) pair has been declared
// unfixable.
func (l *Ledger) Contains(workItem, mode string) bool {
	return l.index[entryKey{workItem, mode}]
}

// Entries returns a copy of all entries in recorded order.
func (l *Ledger) Entries() []Entry {
	return append([]Entry(nil), l.entries...)
}

// Len returns the number of recorded entries.
func (l *Ledger) Len() int {
	return len(l.entries)
}
