// Package approval projects approval-policy rules onto individual projects.
//
// Invariant: every rule of an enabled, in-scope approval policy has exactly
// one project approval rule per linked project. The exception is
// any_merge_request rules of a policy without a require_approval action,
// which are handled by the violation-sync path instead.
package approval

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sentinelops/policysync/internal/branches"
	"github.com/sentinelops/policysync/internal/checksum"
	"github.com/sentinelops/policysync/internal/store"
	"github.com/sentinelops/policysync/models"
)

// MergeRequestSyncer propagates a changed project rule set onto the
// project's open merge requests.
type MergeRequestSyncer interface {
	SyncProjectRules(ctx context.Context, project models.Project, policy models.SecurityPolicy) error
}

// Projector creates, updates and deletes project approval rules and their
// derived scan-result read records.
type Projector struct {
	store             store.Store
	resolver          *branches.Resolver
	mrSync            MergeRequestSyncer
	globalGroupSearch bool
	log               *zap.SugaredLogger
}

func NewProjector(st store.Store, resolver *branches.Resolver, mrSync MergeRequestSyncer, globalGroupSearch bool, log *zap.SugaredLogger) *Projector {
	return &Projector{
		store:             st,
		resolver:          resolver,
		mrSync:            mrSync,
		globalGroupSearch: globalGroupSearch,
		log:               log,
	}
}

// CreateRules materializes the given policy rules for one project, then
// syncs open merge requests. No-op when the project's approval engine
// capability is off.
func (p *Projector) CreateRules(ctx context.Context, project models.Project, policy models.SecurityPolicy, rules []models.ApprovalPolicyRule) error {
	if !project.ApprovalEngineEnabled {
		return nil
	}
	if err := p.applyRules(ctx, project, policy, rules); err != nil {
		return err
	}
	return p.mrSync.SyncProjectRules(ctx, project, policy)
}

// UpdateRules re-resolves and rewrites the project rules for the given
// policy rules, then syncs open merge requests.
func (p *Projector) UpdateRules(ctx context.Context, project models.Project, policy models.SecurityPolicy, rules []models.ApprovalPolicyRule) error {
	if !project.ApprovalEngineEnabled {
		return nil
	}
	if err := p.applyRules(ctx, project, policy, rules); err != nil {
		return err
	}
	return p.mrSync.SyncProjectRules(ctx, project, policy)
}

// DeleteRules removes the project rules and read records for the given
// policy rules, then syncs open merge requests.
func (p *Projector) DeleteRules(ctx context.Context, project models.Project, policy models.SecurityPolicy, rules []models.ApprovalPolicyRule) error {
	if !project.ApprovalEngineEnabled {
		return nil
	}
	if err := p.removeRules(ctx, project, policy, rules); err != nil {
		return err
	}
	return p.mrSync.SyncProjectRules(ctx, project, policy)
}

// SyncPolicyDiff is the incremental variant used during reconciliation. It
// materializes rules created by the diff and removes deleted ones. When the
// diff demands a refresh it also rewrites every surviving rule, which picks
// up shared settings changes that left individual rule checksums untouched.
// Branch and approver resolution re-run on that path.
func (p *Projector) SyncPolicyDiff(ctx context.Context, project models.Project, policy models.SecurityPolicy, d models.PolicyDiff) error {
	if !project.ApprovalEngineEnabled {
		return nil
	}

	all, err := p.store.RulesByPolicy(ctx, policy.ID)
	if err != nil {
		return fmt.Errorf("loading rules of policy %q: %w", policy.Name, err)
	}

	createdSums := map[string]struct{}{}
	for _, spec := range d.RulesDiff.Created {
		sum, err := checksum.Sum(spec)
		if err != nil {
			return err
		}
		createdSums[sum] = struct{}{}
	}

	var created, surviving []models.ApprovalPolicyRule
	for _, rule := range all {
		if rule.RuleIndex < 0 {
			continue
		}
		if _, isNew := createdSums[rule.Checksum]; isNew {
			created = append(created, rule)
		} else {
			surviving = append(surviving, rule)
		}
	}

	if err := p.removeRules(ctx, project, policy, d.RulesDiff.Deleted); err != nil {
		return err
	}
	if err := p.applyRules(ctx, project, policy, created); err != nil {
		return err
	}
	if d.NeedsRulesRefresh() {
		if err := p.applyRules(ctx, project, policy, surviving); err != nil {
			return err
		}
	}
	return p.mrSync.SyncProjectRules(ctx, project, policy)
}

// applyRules upserts one project rule per policy rule. any_merge_request
// rules are skipped entirely when the policy carries no require_approval
// action.
func (p *Projector) applyRules(ctx context.Context, project models.Project, policy models.SecurityPolicy, rules []models.ApprovalPolicyRule) error {
	action, hasApproval := policy.RequireApprovalAction()

	for _, rule := range rules {
		if rule.Type == models.RuleTypeAnyMergeRequest && !hasApproval {
			continue
		}

		projected, err := p.buildProjectRule(ctx, project, policy, rule, action)
		if err != nil {
			return err
		}

		existing, err := p.store.ProjectRuleFor(ctx, project.ID, rule.ID)
		switch {
		case err == nil:
			projected.ID = existing.ID
			if err := p.store.UpdateProjectRule(ctx, projected); err != nil {
				return fmt.Errorf("updating project rule for rule %d: %w", rule.ID, err)
			}
		case errors.Is(err, store.ErrNotFound):
			if err := p.store.CreateProjectRule(ctx, &projected); err != nil && !errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("creating project rule for rule %d: %w", rule.ID, err)
			}
		default:
			return err
		}

		if err := p.store.UpsertPolicyRead(ctx, p.buildPolicyRead(project, policy, rule)); err != nil {
			return fmt.Errorf("caching read record for rule %d: %w", rule.ID, err)
		}
	}
	return nil
}

func (p *Projector) removeRules(ctx context.Context, project models.Project, policy models.SecurityPolicy, rules []models.ApprovalPolicyRule) error {
	for _, rule := range rules {
		existing, err := p.store.ProjectRuleFor(ctx, project.ID, rule.ID)
		switch {
		case err == nil:
			if err := p.store.DeleteProjectRule(ctx, existing.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("deleting project rule %d: %w", existing.ID, err)
			}
		case errors.Is(err, store.ErrNotFound):
			// never materialized for this project
		default:
			return err
		}

		if err := p.store.DeletePolicyRead(ctx, policy.ID, project.ID, rule.RuleIndex); err != nil {
			return fmt.Errorf("dropping read record for rule %d: %w", rule.ID, err)
		}
	}
	return nil
}

func (p *Projector) buildProjectRule(ctx context.Context, project models.Project, policy models.SecurityPolicy, rule models.ApprovalPolicyRule, action models.ActionSpec) (models.ProjectApprovalRule, error) {
	userIDs, err := p.resolveUsers(ctx, project, action)
	if err != nil {
		return models.ProjectApprovalRule{}, err
	}
	groupIDs, err := p.resolveGroups(ctx, project, action)
	if err != nil {
		return models.ProjectApprovalRule{}, err
	}
	roleLevels, customRoleIDs := p.resolveRoles(action)

	protectedIDs, err := p.protectedBranchIDs(ctx, project, rule)
	if err != nil {
		return models.ProjectApprovalRule{}, err
	}

	projected := models.ProjectApprovalRule{
		ProjectID:                     project.ID,
		ApprovalPolicyRuleID:          rule.ID,
		Name:                          ruleName(policy, rule),
		ReportType:                    rule.Type,
		ApprovalsRequired:             action.ApprovalsRequired,
		UserIDs:                       userIDs,
		GroupIDs:                      groupIDs,
		RoleApprovers:                 roleLevels,
		CustomRoleIDs:                 customRoleIDs,
		ProtectedBranchIDs:            protectedIDs,
		AppliesToAllProtectedBranches: rule.Content.AppliesToAllProtectedBranches(),
		OrchestrationPolicyIdx:        policy.PolicyIndex,
		RuleIdx:                       rule.RuleIndex,
	}

	switch rule.Type {
	case models.RuleTypeLicenseFinding:
		// Severity is meaningless for license findings.
		projected.SeverityLevels = []string{}
	case models.RuleTypeScanFinding:
		projected.SeverityLevels = rule.Content.SeverityLevels
		projected.Scanners = rule.Content.Scanners
		projected.VulnerabilitiesAllowed = rule.Content.VulnerabilitiesAllowed
		projected.VulnerabilityStates = rule.Content.VulnerabilityStates
	}
	return projected, nil
}

// protectedBranchIDs resolves the rule's applicable branches and maps them
// onto the project's protected-branch rows.
func (p *Projector) protectedBranchIDs(ctx context.Context, project models.Project, rule models.ApprovalPolicyRule) ([]int64, error) {
	resolved, err := p.resolver.Resolve(ctx, branches.KindScanResult, project, []models.RuleContent{rule.Content})
	if err != nil {
		return nil, err
	}

	seen := map[int64]struct{}{}
	var ids []int64
	for _, name := range resolved {
		for pattern, id := range project.ProtectedBranchIDs {
			if pattern != name && !branches.Match(pattern, name) {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (p *Projector) buildPolicyRead(project models.Project, policy models.SecurityPolicy, rule models.ApprovalPolicyRule) models.ScanResultPolicyRead {
	read := models.ScanResultPolicyRead{
		PolicyID:               policy.ID,
		ConfigurationID:        policy.ConfigurationID,
		ProjectID:              project.ID,
		OrchestrationPolicyIdx: policy.PolicyIndex,
		RuleIdx:                rule.RuleIndex,
		LicenseStates:          rule.Content.LicenseStates,
	}
	if age := rule.Content.VulnerabilityAge; age != nil {
		read.AgeOperator = age.Operator
		read.AgeValue = age.Value
		read.AgeInterval = age.Interval
	}
	for _, action := range policy.Content.Actions {
		if action.Type == models.ActionSendBotMessage {
			read.BotMessageEnabled = true
		}
	}
	if policy.Content.Fallback != nil {
		read.FallbackBehavior = policy.Content.Fallback.Fail
	}
	return read
}

func ruleName(policy models.SecurityPolicy, rule models.ApprovalPolicyRule) string {
	if rule.RuleIndex == 0 {
		return policy.Name
	}
	return fmt.Sprintf("%s %d", policy.Name, rule.RuleIndex+1)
}
