// Package ownership models the static partition of the repository's mutable
// files into per-cluster owned sets and a shared set. Owned files are the
// only write targets handed to a cluster's fix worker; shared files are
// read/propose-only for every worker.
package ownership

import (
	"fmt"
	"sort"
)

// Map is the file ownership map for one loop configuration.
type Map struct {
	owned  map[string][]string
	shared []string
}

// New builds a Map from per-cluster owned file lists and the shared file
// list. The inputs are copied; callers may mutate their slices afterwards.
func New(owned map[string][]string, shared []string) *Map {
	m := &Map{
		owned:  make(map[string][]string, len(owned)),
		shared: append([]string(nil), shared...),
	}
	for cluster, files := range owned {
		m.owned[cluster] = append([]string(nil), files...)
	}
	return m
}

// OwnedBy returns the files owned by the given cluster. Unknown clusters own
// nothing.
func (m *Map) OwnedBy(cluster string) []string {
	return append([]string(nil), m.owned[cluster]...)
}

// Shared returns the shared (propose-only) file list.
func (m *Map) Shared() []string {
	return append([]string(nil), m.shared...)
}

// Clusters returns the clusters with owned files, sorted.
func (m *Map) Clusters() []string {
	out := make([]string, 0, len(m.owned))
	for c := range m.owned {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// AllFiles returns the union of all owned sets and the shared set, sorted
// and deduplicated. This is the full mutable file set the loop may touch.
func (m *Map) AllFiles() []string {
	seen := make(map[string]bool)
	var out []string
	for _, files := range m.owned {
		for _, f := range files {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	for _, f := range m.shared {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// Owner returns the cluster owning the given file, or "" when the file is
// shared or unknown.
func (m *Map) Owner(file string) string {
	for cluster, files := range m.owned {
		for _, f := range files {
			if f == file {
				return cluster
			}
		}
	}
	return ""
}

// IsShared reports whether file is in the shared set.
func (m *Map) IsShared(file string) bool {
	for _, f := range m.shared {
		if f == file {
			return true
		}
	}
	return false
}

// Validate checks that the map is a true partition: owned sets are pairwise
// disjoint and no owned file also appears in the shared set. It returns all
// violations found (empty when valid).
func (m *Map) Validate() []error {
	var errs []error

	ownerOf := make(map[string]string)
	clusters := m.Clusters()
	for _, cluster := range clusters {
		for _, f := range m.owned[cluster] {
			if prev, ok := ownerOf[f]; ok && prev != cluster {
				errs = append(errs, fmt.Errorf("file %q owned by both %q and %q", f, prev, cluster))
				continue
			}
			ownerOf[f] = cluster
		}
	}

	for _, f := range m.shared {
		if owner, ok := ownerOf[f]; ok {
			errs = append(errs, fmt.Errorf("file %q is shared but also owned by %q", f, owner))
		}
	}

	return errs
}
