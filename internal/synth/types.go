package synth

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrMalformed is returned when the synthesizer collaborator produces output
// that cannot be parsed into fix specifications. There is no partial-credit
// interpretation of a malformed response: the caller treats it as fatal for
// the current loop run.
var ErrMalformed = errors.New("malformed synthesizer response")

// FixSpecification is the per-cluster output of a synthesis round: either an
// actionable fix instruction or an explicit unfixable declaration with a
// reason. Exactly one of the two arms is set.
type FixSpecification struct {
	Cluster     string `json:"cluster"`
	Unfixable   bool   `json:"unfixable,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Instruction string `json:"instruction,omitempty"`
}

// Actionable reports whether the specification carries a fix instruction.
func (s FixSpecification) Actionable() bool {
	return !s.Unfixable
}

// response is the wire shape of the synthesizer's stdout.
type response struct {
	Specs []FixSpecification `json:"specs"`
}

// ParseSpecs strictly parses the synthesizer's stdout. known is the set of
// cluster names that were submitted for synthesis; the response must cover
// only those clusters, exactly once each spec, and each spec must be either
// actionable (non-empty instruction) or unfixable (non-empty reason), never
// both and never neither. Any violation yields ErrMalformed.
func ParseSpecs(data []byte, known map[string]bool) (map[string]FixSpecification, error) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(resp.Specs) == 0 {
		return nil, fmt.Errorf("%w: no specs in response", ErrMalformed)
	}

	specs := make(map[string]FixSpecification, len(resp.Specs))
	for _, s := range resp.Specs {
		if s.Cluster == "" {
			return nil, fmt.Errorf("%w: spec with empty cluster", ErrMalformed)
		}
		if !known[s.Cluster] {
			return nil, fmt.Errorf("%w: spec for unknown cluster %q", ErrMalformed, s.Cluster)
		}
		if _, dup := specs[s.Cluster]; dup {
			return nil, fmt.Errorf("%w: duplicate spec for cluster %q", ErrMalformed, s.Cluster)
		}
		if s.Unfixable {
			if s.Reason == "" {
				return nil, fmt.Errorf("%w: unfixable spec for %q without reason", ErrMalformed, s.Cluster)
			}
			if s.Instruction != "" {
				return nil, fmt.Errorf("%w: unfixable spec for %q carries an instruction", ErrMalformed, s.Cluster)
			}
		} else if s.Instruction == "" {
			return nil, fmt.Errorf("%w: actionable spec for %q without instruction", ErrMalformed, s.Cluster)
		}
		specs[s.Cluster] = s
	}
	// Coverage must be total: a cluster left without a spec would be neither
	// fixed nor ledgered and retried forever.
	if len(specs) != len(known) {
		var missing []string
		for name := range known {
			if _, ok := specs[name]; !ok {
				missing = append(missing, name)
			}
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: no spec for cluster(s) %s", ErrMalformed, strings.Join(missing, ", "))
	}
	return specs, nil
}
