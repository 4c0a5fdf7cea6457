// Package store defines the persistence contract of the reconciliation
// engine and provides two implementations: Postgres (pgx) for production
// and an in-memory store with identical constraint behavior for tests.
package store

import (
	"context"
	"errors"

	"github.com/sentinelops/policysync/models"
)

var (
	// ErrNotFound reports that the addressed row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict reports a unique-constraint violation.
	ErrConflict = errors.New("store: unique constraint violation")
	// ErrLimitReached reports that an insert-if-under-limit attach found the
	// target already at capacity.
	ErrLimitReached = errors.New("store: per-project limit reached")
)

// PolicyStore persists SecurityPolicy rows and their approval rules.
//
// The store enforces uniqueness of (configuration_id, policy_index) among
// non-negative indices, and of (policy_id, rule_index) among non-negative
// rule indices. Writers stage reorders and deletions through the negative
// index space to stay clear of both constraints.
type PolicyStore interface {
	// PoliciesByConfiguration returns non-deleted policies of one type,
	// ordered by policy index.
	PoliciesByConfiguration(ctx context.Context, configurationID int64, typ models.PolicyType) ([]models.SecurityPolicy, error)
	PolicyByID(ctx context.Context, id int64) (models.SecurityPolicy, error)
	CreatePolicy(ctx context.Context, policy *models.SecurityPolicy) error
	UpdatePolicy(ctx context.Context, policy models.SecurityPolicy) error

	// RulesByPolicy returns the policy's rules, staged deletions included,
	// ordered by rule index.
	RulesByPolicy(ctx context.Context, policyID int64) ([]models.ApprovalPolicyRule, error)
	CreateRule(ctx context.Context, rule *models.ApprovalPolicyRule) error
	UpdateRule(ctx context.Context, rule models.ApprovalPolicyRule) error
}

// ProjectRuleStore persists the materialized per-project approval rules and
// their derived scan-result read cache.
type ProjectRuleStore interface {
	ProjectRulesByProject(ctx context.Context, projectID int64) ([]models.ProjectApprovalRule, error)
	// ProjectRuleFor returns the single rule for a (project, policy rule)
	// pair, or ErrNotFound.
	ProjectRuleFor(ctx context.Context, projectID, approvalPolicyRuleID int64) (models.ProjectApprovalRule, error)
	CreateProjectRule(ctx context.Context, rule *models.ProjectApprovalRule) error
	UpdateProjectRule(ctx context.Context, rule models.ProjectApprovalRule) error
	DeleteProjectRule(ctx context.Context, id int64) error

	UpsertPolicyRead(ctx context.Context, read models.ScanResultPolicyRead) error
	// DeletePolicyRead is keyed by the owning policy row, not its current
	// index, so tombstoned and reordered policies still hit their rows.
	DeletePolicyRead(ctx context.Context, policyID, projectID int64, ruleIdx int) error
}

// LinkStore persists policy-to-project links.
type LinkStore interface {
	LinkExists(ctx context.Context, policyID, projectID int64) (bool, error)
	// CreateLink is idempotent: relinking an already linked pair is a no-op.
	CreateLink(ctx context.Context, policyID, projectID int64) error
	DeleteLink(ctx context.Context, policyID, projectID int64) error
	ProjectsLinkedToPolicy(ctx context.Context, policyID int64) ([]models.Project, error)
}

// ProfileStore persists scan profiles and their project attachments.
type ProfileStore interface {
	ProfileByID(ctx context.Context, id int64) (models.ScanProfile, error)
	// AttachProfile inserts the attachment if the project holds fewer than
	// limit attachments, atomically with the capacity check. It returns
	// false without error when the attachment already existed, and
	// ErrLimitReached when the project is at capacity.
	AttachProfile(ctx context.Context, profileID, projectID int64, limit int) (bool, error)
	// DetachProfile returns false when no attachment existed.
	DetachProfile(ctx context.Context, profileID, projectID int64) (bool, error)
	AttachmentsForProject(ctx context.Context, projectID int64) ([]models.ScanProfileProject, error)
}

// HierarchyStore reads the namespace tree, its projects, and the approver
// lookup tables.
type HierarchyStore interface {
	NamespaceByID(ctx context.Context, id int64) (models.Namespace, error)
	// DescendantGroups returns the group's subgroup subtree in depth-first
	// order, the group itself excluded.
	DescendantGroups(ctx context.Context, groupID int64) ([]models.Namespace, error)
	// ProjectsByNamespace pages through a namespace's direct projects using
	// keyset pagination: rows with ID > afterID, at most limit of them.
	ProjectsByNamespace(ctx context.Context, namespaceID, afterID int64, limit int) ([]models.Project, error)
	ProjectByID(ctx context.Context, id int64) (models.Project, error)

	// TeamUsers resolves project team members by ID or username.
	TeamUsers(ctx context.Context, projectID int64, ids []int64, usernames []string) ([]models.User, error)
	// Groups resolves groups by ID or full path. A non-zero withinRootID
	// restricts the search to that hierarchy.
	Groups(ctx context.Context, ids []int64, paths []string, withinRootID int64) ([]models.Group, error)
}

// MergeRequestStore reads open merge requests and maintains their
// policy-derived approval rules.
type MergeRequestStore interface {
	OpenMergeRequests(ctx context.Context, projectID int64) ([]models.MergeRequest, error)
	MergeRequestRules(ctx context.Context, mergeRequestID int64) ([]models.MergeRequestApprovalRule, error)
	// DeleteMergeRequestRulesForPolicy removes the MR's rules derived from
	// the given policy's project rules.
	DeleteMergeRequestRulesForPolicy(ctx context.Context, mergeRequestID, policyID int64) error
	CreateMergeRequestRule(ctx context.Context, rule *models.MergeRequestApprovalRule) error
}

// Store is the full persistence surface. WithinTx runs fn against a
// transaction-scoped store; any error aborts the whole transaction.
type Store interface {
	PolicyStore
	ProjectRuleStore
	LinkStore
	ProfileStore
	HierarchyStore
	MergeRequestStore

	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
