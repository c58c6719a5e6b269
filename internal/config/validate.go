package config

import (
	"fmt"
	"time"

	"github.com/kestrelworks/greenloop/internal/ownership"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	l := cfg.Loop

	// Required fields
	if l.Name == "" {
		errs = append(errs, ValidationError{Field: "loop.name", Message: "is required"})
	}
	if l.Harness.Command == "" {
		errs = append(errs, ValidationError{Field: "loop.harness.command", Message: "is required"})
	}
	if l.Synthesizer.Command == "" {
		errs = append(errs, ValidationError{Field: "loop.synthesizer.command", Message: "is required"})
	}
	if l.FixWorker.Command == "" {
		errs = append(errs, ValidationError{Field: "loop.fix_worker.command", Message: "is required"})
	}
	if len(l.Clusters) == 0 {
		errs = append(errs, ValidationError{Field: "loop.clusters", Message: "at least one cluster is required"})
	}
	if len(l.MutableDirs) == 0 {
		errs = append(errs, ValidationError{Field: "loop.mutable_dirs", Message: "at least one mutable source dir is required"})
	}

	// Cluster membership must be total and non-overlapping: every work-item
	// belongs to exactly one cluster.
	itemCluster := make(map[string]string)
	for cluster, items := range l.Clusters {
		if len(items) == 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("loop.clusters.%s", cluster),
				Message: "cluster has no work-items",
			})
		}
		for _, item := range items {
			if prev, ok := itemCluster[item]; ok {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("loop.clusters.%s", cluster),
					Message: fmt.Sprintf("work-item %q already belongs to cluster %q", item, prev),
				})
				continue
			}
			itemCluster[item] = cluster
		}
	}

	// Ownership map must reference known clusters and form a true partition.
	for cluster := range l.Ownership.Owned {
		if _, ok := l.Clusters[cluster]; !ok {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("loop.ownership.owned.%s", cluster),
				Message: "references unknown cluster",
			})
		}
	}
	om := ownership.New(l.Ownership.Owned, l.Ownership.Shared)
	for _, err := range om.Validate() {
		errs = append(errs, ValidationError{Field: "loop.ownership", Message: err.Error()})
	}

	// Timeouts must parse when set.
	checkTimeout := func(field, value string) {
		if value == "" {
			return
		}
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("invalid duration %q", value),
			})
		}
	}
	checkTimeout("loop.harness.timeout", l.Harness.Timeout)
	checkTimeout("loop.synthesizer.timeout", l.Synthesizer.Timeout)
	checkTimeout("loop.fix_worker.timeout", l.FixWorker.Timeout)
	checkTimeout("loop.merger.timeout", l.Merger.Timeout)
	for ext, v := range l.Validators {
		if v.Command == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("loop.validators.%s.command", ext),
				Message: "is required",
			})
		}
		checkTimeout(fmt.Sprintf("loop.validators.%s.timeout", ext), v.Timeout)
	}

	return errs
}
