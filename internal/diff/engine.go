// Package diff computes the set-difference between a declared policy list
// and the persisted policy records of one configuration.
package diff

import (
	"github.com/sentinelops/policysync/internal/checksum"
	"github.com/sentinelops/policysync/models"
)

// NewPolicy is a declared policy with no persisted match.
type NewPolicy struct {
	Spec     models.PolicySpec
	Position int
	Checksum string
}

// Change pairs a persisted policy with its redeclared spec whose checksum
// differs, carrying the rule-level sub-diff.
type Change struct {
	Policy   models.SecurityPolicy
	Spec     models.PolicySpec
	Position int
	Checksum string
	Diff     models.PolicyDiff
}

// Reindex marks a persisted policy whose content is unchanged but whose
// position moved.
type Reindex struct {
	Policy   models.SecurityPolicy
	NewIndex int
}

// Result is the four-way diff. The lists are disjoint: every policy
// identity appears in at most one of them. A policy whose content and
// position both changed lands in Changes only; its update carries the new
// index.
type Result struct {
	New        []NewPolicy
	Deleted    []models.SecurityPolicy
	Changes    []Change
	Rearranged []Reindex
}

// Empty reports a no-op diff.
func (r Result) Empty() bool {
	return len(r.New) == 0 && len(r.Deleted) == 0 && len(r.Changes) == 0 && len(r.Rearranged) == 0
}

// Engine computes policy diffs. Stateless, safe for concurrent use.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Compare matches each declared policy against the persisted set, checksum
// first and name second. Checksum-first matching keeps a pure reorder (same
// content at a new position) from being misclassified as a rename plus a
// content change. Persisted policies left unmatched at the end are
// deletions.
//
// rulesByPolicy supplies the persisted approval rules the rule-level
// sub-diff runs against; non-approval policies may pass nil.
func (e *Engine) Compare(specs []models.PolicySpec, persisted []models.SecurityPolicy, rulesByPolicy map[int64][]models.ApprovalPolicyRule) (Result, error) {
	byChecksum := map[string][]int{}
	byName := map[string]int{}
	for i, p := range persisted {
		byChecksum[p.Checksum] = append(byChecksum[p.Checksum], i)
		byName[p.Name] = i
	}
	matched := make([]bool, len(persisted))

	var result Result
	for position, spec := range specs {
		sum, err := checksum.Sum(spec)
		if err != nil {
			return Result{}, err
		}

		idx, ok := e.takeMatch(sum, spec.Name, byChecksum, byName, matched)
		if !ok {
			result.New = append(result.New, NewPolicy{Spec: spec, Position: position, Checksum: sum})
			continue
		}
		matched[idx] = true
		policy := persisted[idx]

		if policy.Checksum != sum {
			diff, err := e.policyDiff(policy, spec, rulesByPolicy[policy.ID])
			if err != nil {
				return Result{}, err
			}
			result.Changes = append(result.Changes, Change{
				Policy:   policy,
				Spec:     spec,
				Position: position,
				Checksum: sum,
				Diff:     diff,
			})
			continue
		}
		if policy.PolicyIndex != position {
			result.Rearranged = append(result.Rearranged, Reindex{Policy: policy, NewIndex: position})
		}
	}

	for i, p := range persisted {
		if !matched[i] {
			result.Deleted = append(result.Deleted, p)
		}
	}
	return result, nil
}

// takeMatch finds an unmatched persisted policy for a declared one,
// preferring an exact content match over a name match.
func (e *Engine) takeMatch(sum, name string, byChecksum map[string][]int, byName map[string]int, matched []bool) (int, bool) {
	for _, idx := range byChecksum[sum] {
		if !matched[idx] {
			return idx, true
		}
	}
	if idx, ok := byName[name]; ok && !matched[idx] {
		return idx, true
	}
	return 0, false
}

func (e *Engine) policyDiff(policy models.SecurityPolicy, spec models.PolicySpec, rules []models.ApprovalPolicyRule) (models.PolicyDiff, error) {
	contentSum, err := checksum.Sum(spec.Content())
	if err != nil {
		return models.PolicyDiff{}, err
	}
	persistedContentSum, err := checksum.Sum(policy.Content)
	if err != nil {
		return models.PolicyDiff{}, err
	}
	scopeSum, err := checksum.Sum(spec.ScopeOrDefault())
	if err != nil {
		return models.PolicyDiff{}, err
	}
	persistedScopeSum, err := checksum.Sum(policy.Scope)
	if err != nil {
		return models.PolicyDiff{}, err
	}

	rulesDiff, err := e.rulesDiff(rules, spec.Rules)
	if err != nil {
		return models.PolicyDiff{}, err
	}

	return models.PolicyDiff{
		Policy:                policy,
		StatusChanged:         policy.Enabled != spec.Enabled,
		ScopeChanged:          scopeSum != persistedScopeSum,
		ContentProjectChanged: contentSum != persistedContentSum,
		RulesDiff:             rulesDiff,
	}, nil
}

// rulesDiff applies the same matching strategy scoped to one policy's rule
// list: content checksum first, then rule index for rules edited in place.
func (e *Engine) rulesDiff(persisted []models.ApprovalPolicyRule, specs []models.RuleContent) (models.RulesDiff, error) {
	byChecksum := map[string][]int{}
	byIndex := map[int]int{}
	for i, r := range persisted {
		if r.RuleIndex < 0 {
			continue // already staged for deletion
		}
		byChecksum[r.Checksum] = append(byChecksum[r.Checksum], i)
		byIndex[r.RuleIndex] = i
	}
	matched := make([]bool, len(persisted))

	var out models.RulesDiff
	for position, spec := range specs {
		sum, err := checksum.Sum(spec)
		if err != nil {
			return models.RulesDiff{}, err
		}

		idx, ok := -1, false
		for _, candidate := range byChecksum[sum] {
			if !matched[candidate] {
				idx, ok = candidate, true
				break
			}
		}
		if !ok {
			if candidate, found := byIndex[position]; found && !matched[candidate] {
				idx, ok = candidate, true
			}
		}
		if !ok {
			out.Created = append(out.Created, spec)
			continue
		}
		matched[idx] = true
		if persisted[idx].Checksum != sum {
			out.Updated = append(out.Updated, models.RuleChange{From: persisted[idx], To: spec})
		}
	}

	for i, r := range persisted {
		if r.RuleIndex >= 0 && !matched[i] {
			out.Deleted = append(out.Deleted, r)
		}
	}
	return out, nil
}
