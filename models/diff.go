package models

// PolicyDiff is the ephemeral, request-scoped result of comparing one
// persisted policy against its redeclared spec. Computed once per sync pass,
// consumed immediately, never persisted.
type PolicyDiff struct {
	Policy                SecurityPolicy
	StatusChanged         bool
	ScopeChanged          bool
	ContentProjectChanged bool
	RulesDiff             RulesDiff
}

// NeedsRefresh reports whether anything about the policy's enforcement
// posture changed for linked projects.
func (d PolicyDiff) NeedsRefresh() bool {
	return d.StatusChanged || d.ScopeChanged || d.ContentProjectChanged || !d.RulesDiff.Empty()
}

// NeedsRulesRefresh reports whether surviving rules must be force-updated
// even when their individual content checksums did not change, such as when
// shared approval settings moved under them.
func (d PolicyDiff) NeedsRulesRefresh() bool {
	return d.ContentProjectChanged || len(d.RulesDiff.Updated) > 0
}

// RulesDiff is the rule-level sub-diff of one changed policy.
type RulesDiff struct {
	Created []RuleContent
	Updated []RuleChange
	Deleted []ApprovalPolicyRule
}

// RuleChange pairs a persisted rule with its redeclared content.
type RuleChange struct {
	From ApprovalPolicyRule
	To   RuleContent
}

// Empty reports whether the sub-diff carries no rule changes at all.
func (d RulesDiff) Empty() bool {
	return len(d.Created) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0
}
