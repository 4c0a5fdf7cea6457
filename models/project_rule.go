package models

// ProjectApprovalRule is the materialized, project-scoped enforcement of one
// ApprovalPolicyRule. Exactly one row exists per (project, policy rule) pair
// for every linked, enabled, in-scope approval policy.
//
// ApprovalPolicyRuleID is a foreign lookup key, not ownership: the row's
// lifetime is bounded by either parent's deletion.
type ProjectApprovalRule struct {
	ID                            int64
	ProjectID                     int64
	ApprovalPolicyRuleID          int64
	Name                          string
	ReportType                    RuleType
	ApprovalsRequired             int
	UserIDs                       []int64
	GroupIDs                      []int64
	RoleApprovers                 []int
	CustomRoleIDs                 []int64
	ProtectedBranchIDs            []int64
	SeverityLevels                []string
	Scanners                      []string
	VulnerabilitiesAllowed        int
	VulnerabilityStates           []string
	AppliesToAllProtectedBranches bool
	OrchestrationPolicyIdx        int
	RuleIdx                       int
}

// ScanResultPolicyRead is a legacy companion record holding denormalized
// rule-evaluation parameters, keyed by (policy, project, rule index). The
// policy index is carried as data, not identity, so a tombstoned or
// reordered policy still addresses its own rows. It is a disposable derived
// cache of the owning rule's content and is regenerated whenever the rule
// is created or updated.
type ScanResultPolicyRead struct {
	ID                     int64
	PolicyID               int64
	ConfigurationID        int64
	ProjectID              int64
	OrchestrationPolicyIdx int
	RuleIdx                int
	AgeOperator            string
	AgeValue               int
	AgeInterval            string
	LicenseStates          []string
	BotMessageEnabled      bool
	FallbackBehavior       string
}

// PolicyProjectLink records that a SecurityPolicy applies to a Project. Its
// existence gates whether ProjectApprovalRules may exist for that project.
type PolicyProjectLink struct {
	PolicyID  int64
	ProjectID int64
}
