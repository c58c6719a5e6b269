// Package extract turns a test run's outcome rows into per-cluster failure
// groups using the static cluster membership table.
package extract

import (
	"fmt"

	"github.com/kestrelworks/greenloop/internal/results"
)

// Failure is one failing or erroring work-item instance from a test run.
// Failures are derived, not stored: they are recomputed from the result
// store each iteration.
type Failure struct {
	RunID    string `json:"run_id"`
	WorkItem string `json:"work_item"`
	Cluster  string `json:"cluster"`
	Mode     string `json:"mode"`
	Detail   string `json:"detail,omitempty"`
}

// ResultStore is the subset of the result store the extractor needs.
type ResultStore interface {
	Outcomes(runID string) ([]results.Outcome, error)
}

// UnfixableSet is the read-only view of the unfixable ledger used for
// filtering.
type UnfixableSet interface {
	Contains(workItem, mode string) bool
}

// Extractor groups failures by cluster.
type Extractor struct {
	store      ResultStore
	membership map[string]string // work-item → cluster
}

// New creates an Extractor over the given result store and membership index.
func New(store ResultStore, membership map[string]string) *Extractor {
	return &Extractor{store: store, membership: membership}
}

// Extract returns the failing and erroring outcomes of a test run, grouped
// by cluster. Clustering is total: an outcome whose work-item has no cluster
// assignment is an error, not a silent drop.
func (e *Extractor) Extract(runID string) (map[string][]Failure, error) {
	outcomes, err := e.store.Outcomes(runID)
	if err != nil {
		return nil, fmt.Errorf("outcomes for run %s: %w", runID, err)
	}

	grouped := make(map[string][]Failure)
	for _, o := range outcomes {
		if o.Status == "pass" {
			continue
		}
		cluster, ok := e.membership[o.WorkItem]
		if !ok {
			return nil, fmt.Errorf("work-item %q has no cluster assignment", o.WorkItem)
		}
		grouped[cluster] = append(grouped[cluster], Failure{
			RunID:    o.RunID,
			WorkItem: o.WorkItem,
			Cluster:  cluster,
			Mode:     o.Mode,
			Detail:   o.Detail,
		})
	}
	return grouped, nil
}

// FilterUnfixable removes failures whose (work-item, mode) pair is present
// in the unfixable set. Clusters emptied by the filter are dropped from the
// output entirely, not passed on with an empty failure list. Applying the
// filter twice with the same set yields the same result as applying it once.
func FilterUnfixable(raw map[string][]Failure, set UnfixableSet) map[string][]Failure {
	filtered := make(map[string][]Failure)
	for cluster, failures := range raw {
		var kept []Failure
		for _, f := range failures {
			if set.Contains(f.WorkItem, f.Mode) {
				continue
			}
			kept = append(kept, f)
		}
		if len(kept) > 0 {
			filtered[cluster] = kept
		}
	}
	return filtered
}
