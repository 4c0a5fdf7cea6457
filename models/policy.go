package models

// PolicyType identifies the kind of security policy declared in a policy
// configuration document.
type PolicyType string

const (
	PolicyTypeApproval                  PolicyType = "approval_policy"
	PolicyTypeScanExecution             PolicyType = "scan_execution_policy"
	PolicyTypePipelineExecution         PolicyType = "pipeline_execution_policy"
	PolicyTypePipelineExecutionSchedule PolicyType = "pipeline_execution_schedule_policy"
	PolicyTypeVulnerabilityManagement   PolicyType = "vulnerability_management_policy"
)

const (
	ActionRequireApproval = "require_approval"
	ActionSendBotMessage  = "send_bot_message"
)

// SecurityPolicy is one persisted policy row belonging to a policy
// configuration. PolicyIndex is the ordinal position within the
// configuration document; a negative index marks a soft-deleted policy
// awaiting garbage collection.
type SecurityPolicy struct {
	ID              int64
	ConfigurationID int64
	Type            PolicyType
	Name            string
	Checksum        string
	PolicyIndex     int
	Enabled         bool
	Content         PolicyContent
	Scope           PolicyScope
}

// Deleted reports whether the policy has been tombstoned.
func (p SecurityPolicy) Deleted() bool {
	return p.PolicyIndex < 0
}

// RequireApprovalAction returns the policy's single require_approval action,
// if present. Approval policies without one delegate any_merge_request
// enforcement to the violation-sync path instead of materialized rules.
func (p SecurityPolicy) RequireApprovalAction() (ActionSpec, bool) {
	for _, a := range p.Content.Actions {
		if a.Type == ActionRequireApproval {
			return a, true
		}
	}
	return ActionSpec{}, false
}

// PolicyContent is the structured action/settings payload of a policy:
// everything from the declared document except the rules (those are
// persisted as ApprovalPolicyRule rows) and the scope.
type PolicyContent struct {
	Actions          []ActionSpec    `yaml:"actions,omitempty" json:"actions,omitempty"`
	ApprovalSettings map[string]bool `yaml:"approval_settings,omitempty" json:"approval_settings,omitempty"`
	Fallback         *FallbackSpec   `yaml:"fallback_behavior,omitempty" json:"fallback_behavior,omitempty"`
}

// ActionSpec is one declared action of a policy.
type ActionSpec struct {
	Type              string   `yaml:"type" json:"type"`
	ApprovalsRequired int      `yaml:"approvals_required,omitempty" json:"approvals_required,omitempty"`
	UserApprovers     []string `yaml:"user_approvers,omitempty" json:"user_approvers,omitempty"`
	UserApproverIDs   []int64  `yaml:"user_approvers_ids,omitempty" json:"user_approvers_ids,omitempty"`
	GroupApprovers    []string `yaml:"group_approvers,omitempty" json:"group_approvers,omitempty"`
	GroupApproverIDs  []int64  `yaml:"group_approvers_ids,omitempty" json:"group_approvers_ids,omitempty"`
	RoleApprovers     []string `yaml:"role_approvers,omitempty" json:"role_approvers,omitempty"`
}

// FallbackSpec controls how approval rules behave when no scan results are
// available to evaluate them against.
type FallbackSpec struct {
	Fail string `yaml:"fail,omitempty" json:"fail,omitempty"` // "open" or "closed"
}

// PolicyScope is the applicability predicate of a policy: which projects in
// the configuration's hierarchy it enforces against.
type PolicyScope struct {
	ComplianceFrameworkIDs []int64 `yaml:"compliance_frameworks,omitempty" json:"compliance_frameworks,omitempty"`
	IncludedProjectIDs     []int64 `yaml:"including_projects,omitempty" json:"including_projects,omitempty"`
	ExcludedProjectIDs     []int64 `yaml:"excluding_projects,omitempty" json:"excluding_projects,omitempty"`
}

// AppliesTo evaluates the scope against a project. An empty scope applies to
// every project in the hierarchy. Exclusions win over every other predicate.
func (s PolicyScope) AppliesTo(project Project) bool {
	for _, id := range s.ExcludedProjectIDs {
		if id == project.ID {
			return false
		}
	}
	if len(s.IncludedProjectIDs) > 0 {
		for _, id := range s.IncludedProjectIDs {
			if id == project.ID {
				return true
			}
		}
		return false
	}
	if len(s.ComplianceFrameworkIDs) > 0 {
		for _, want := range s.ComplianceFrameworkIDs {
			for _, have := range project.ComplianceFrameworkIDs {
				if want == have {
					return true
				}
			}
		}
		return false
	}
	return true
}

// PolicySpec is one policy as parsed from the configuration YAML, before it
// is persisted. Checksumming normalizes through YAML re-serialization, so
// only field values matter, not their order in the source document.
type PolicySpec struct {
	Name             string          `yaml:"name" json:"name"`
	Description      string          `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled          bool            `yaml:"enabled" json:"enabled"`
	Scope            *PolicyScope    `yaml:"policy_scope,omitempty" json:"policy_scope,omitempty"`
	Rules            []RuleContent   `yaml:"rules,omitempty" json:"rules,omitempty"`
	Actions          []ActionSpec    `yaml:"actions,omitempty" json:"actions,omitempty"`
	ApprovalSettings map[string]bool `yaml:"approval_settings,omitempty" json:"approval_settings,omitempty"`
	Fallback         *FallbackSpec   `yaml:"fallback_behavior,omitempty" json:"fallback_behavior,omitempty"`
}

// Content extracts the persistable content payload from a spec.
func (p PolicySpec) Content() PolicyContent {
	return PolicyContent{
		Actions:          p.Actions,
		ApprovalSettings: p.ApprovalSettings,
		Fallback:         p.Fallback,
	}
}

// ScopeOrDefault returns the declared scope, or the match-everything scope
// when the document omitted one.
func (p PolicySpec) ScopeOrDefault() PolicyScope {
	if p.Scope == nil {
		return PolicyScope{}
	}
	return *p.Scope
}
