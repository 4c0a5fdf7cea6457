package models

// NamespaceKind distinguishes group namespaces, which can hold subgroups and
// projects, from user namespaces, which only hold personal projects.
type NamespaceKind string

const (
	NamespaceKindGroup NamespaceKind = "group"
	NamespaceKindUser  NamespaceKind = "user"
)

// Namespace is one node of the group hierarchy.
type Namespace struct {
	ID       int64
	ParentID int64 // 0 for a root namespace
	RootID   int64 // the root ancestor's ID; equals ID for roots
	Path     string
	FullPath string
	Kind     NamespaceKind
}

// Root reports whether the namespace is the top of its hierarchy.
func (n Namespace) Root() bool {
	return n.ParentID == 0
}

// SameHierarchy reports whether two namespaces share a root ancestor.
func (n Namespace) SameHierarchy(other Namespace) bool {
	return n.RootID == other.RootID
}

// Project is one repository-backed project belonging to a namespace.
//
// BranchNames and ProtectedBranchPatterns are the locally known branch data;
// ProtectedBranchPatterns includes group-inherited protected-branch rules,
// not just project-local ones. MirrorFullName, when set, names an external
// mirror whose live branch list supersedes BranchNames.
type Project struct {
	ID                      int64
	NamespaceID             int64
	Path                    string
	FullPath                string
	DefaultBranch           string
	BranchNames             []string
	ProtectedBranchPatterns []string
	ProtectedBranchIDs      map[string]int64 // protected pattern -> row ID
	ComplianceFrameworkIDs  []int64
	MirrorFullName          string
	ApprovalEngineEnabled   bool
}

// MergeRequestState is the lifecycle state of a merge request.
type MergeRequestState string

const (
	MergeRequestOpen   MergeRequestState = "opened"
	MergeRequestMerged MergeRequestState = "merged"
	MergeRequestClosed MergeRequestState = "closed"
)

// MergeRequest carries the fields the rule-sync path needs; everything else
// about merge requests is out of scope here.
type MergeRequest struct {
	ID              int64
	ProjectID       int64
	State           MergeRequestState
	TargetBranch    string
	HasHeadPipeline bool
}

// MergeRequestApprovalRule is the merge-request-level copy of a project
// approval rule, re-derived whenever the project rule set changes.
type MergeRequestApprovalRule struct {
	ID                   int64
	MergeRequestID       int64
	ProjectRuleID        int64
	ApprovalPolicyRuleID int64
	Name                 string
	ReportType           RuleType
	ApprovalsRequired    int
	UserIDs              []int64
	GroupIDs             []int64
}

// User is a project team member eligible as an approver.
type User struct {
	ID       int64
	Username string
}

// Group is a namespace usable as a group approver.
type Group struct {
	ID       int64
	FullPath string
}
