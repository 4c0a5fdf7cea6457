// Package linkage maintains the association between policies and the
// projects they currently apply to.
package linkage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sentinelops/policysync/internal/store"
	"github.com/sentinelops/policysync/models"
)

// Transition is the structural outcome of one link evaluation.
type Transition string

const (
	TransitionNone     Transition = "none"
	TransitionLinked   Transition = "linked"
	TransitionUnlinked Transition = "unlinked"
)

// RuleProjector is the slice of the approval projector the manager drives
// on link and unlink transitions.
type RuleProjector interface {
	CreateRules(ctx context.Context, project models.Project, policy models.SecurityPolicy, rules []models.ApprovalPolicyRule) error
	UpdateRules(ctx context.Context, project models.Project, policy models.SecurityPolicy, rules []models.ApprovalPolicyRule) error
	DeleteRules(ctx context.Context, project models.Project, policy models.SecurityPolicy, rules []models.ApprovalPolicyRule) error
	SyncPolicyDiff(ctx context.Context, project models.Project, policy models.SecurityPolicy, d models.PolicyDiff) error
}

// Manager runs the per-(policy, project) link state machine: Linked iff the
// policy is enabled, not tombstoned, and its scope applies.
type Manager struct {
	store     store.Store
	projector RuleProjector
	log       *zap.SugaredLogger
}

func NewManager(st store.Store, projector RuleProjector, log *zap.SugaredLogger) *Manager {
	return &Manager{store: st, projector: projector, log: log}
}

// Sync reconciles one pair and returns the structural transition. Linking
// an approval policy materializes its rules; unlinking removes them. An
// already-linked, still-applicable pair stays untouched here. Content
// changes flow through HandlePolicyDiff and position changes through
// HandleReindex.
func (m *Manager) Sync(ctx context.Context, policy models.SecurityPolicy, project models.Project) (Transition, error) {
	desired := policy.Enabled && !policy.Deleted() && policy.Scope.AppliesTo(project)
	linked, err := m.store.LinkExists(ctx, policy.ID, project.ID)
	if err != nil {
		return TransitionNone, fmt.Errorf("checking link state: %w", err)
	}

	switch {
	case desired && !linked:
		if err := m.link(ctx, policy, project); err != nil {
			return TransitionNone, err
		}
		return TransitionLinked, nil
	case !desired && linked:
		if err := m.unlink(ctx, policy, project); err != nil {
			return TransitionNone, err
		}
		return TransitionUnlinked, nil
	default:
		return TransitionNone, nil
	}
}

func (m *Manager) link(ctx context.Context, policy models.SecurityPolicy, project models.Project) error {
	if err := m.store.CreateLink(ctx, policy.ID, project.ID); err != nil {
		return fmt.Errorf("linking policy %q to project %d: %w", policy.Name, project.ID, err)
	}
	m.log.Infow("policy linked", "policy", policy.Name, "project", project.FullPath)

	if policy.Type != models.PolicyTypeApproval {
		return nil
	}
	rules, err := m.liveRules(ctx, policy.ID)
	if err != nil {
		return err
	}
	return m.projector.CreateRules(ctx, project, policy, rules)
}

func (m *Manager) unlink(ctx context.Context, policy models.SecurityPolicy, project models.Project) error {
	if err := m.store.DeleteLink(ctx, policy.ID, project.ID); err != nil {
		return fmt.Errorf("unlinking policy %q from project %d: %w", policy.Name, project.ID, err)
	}
	m.log.Infow("policy unlinked", "policy", policy.Name, "project", project.FullPath)

	if policy.Type != models.PolicyTypeApproval {
		return nil
	}
	rules, err := m.liveRules(ctx, policy.ID)
	if err != nil {
		return err
	}
	return m.projector.DeleteRules(ctx, project, policy, rules)
}

// HandlePolicyDiff reacts to a redeclared policy: structural transitions
// first, and when the pair stays linked, the incremental rule sync.
func (m *Manager) HandlePolicyDiff(ctx context.Context, policy models.SecurityPolicy, project models.Project, d models.PolicyDiff) error {
	transition, err := m.Sync(ctx, policy, project)
	if err != nil {
		return err
	}
	if transition != TransitionNone {
		return nil
	}

	linked, err := m.store.LinkExists(ctx, policy.ID, project.ID)
	if err != nil {
		return err
	}
	if !linked || !d.NeedsRefresh() {
		return nil
	}
	return m.projector.SyncPolicyDiff(ctx, project, policy, d)
}

// HandleReindex rewrites the projected rules of a policy whose position
// moved without any content change, so the denormalized policy index on
// project rules and read records tracks the new ordering.
func (m *Manager) HandleReindex(ctx context.Context, policy models.SecurityPolicy, project models.Project) error {
	if policy.Type != models.PolicyTypeApproval {
		return nil
	}
	linked, err := m.store.LinkExists(ctx, policy.ID, project.ID)
	if err != nil {
		return fmt.Errorf("checking link state: %w", err)
	}
	if !linked {
		return nil
	}
	rules, err := m.liveRules(ctx, policy.ID)
	if err != nil {
		return err
	}
	return m.projector.UpdateRules(ctx, project, policy, rules)
}

// HandleComplianceFrameworkChanged re-evaluates every policy of a
// configuration against one project whose framework assignment changed.
func (m *Manager) HandleComplianceFrameworkChanged(ctx context.Context, configurationID int64, project models.Project) error {
	for _, typ := range []models.PolicyType{
		models.PolicyTypeApproval,
		models.PolicyTypeScanExecution,
		models.PolicyTypePipelineExecution,
		models.PolicyTypePipelineExecutionSchedule,
		models.PolicyTypeVulnerabilityManagement,
	} {
		policies, err := m.store.PoliciesByConfiguration(ctx, configurationID, typ)
		if err != nil {
			return fmt.Errorf("loading %s policies: %w", typ, err)
		}
		for _, policy := range policies {
			if _, err := m.Sync(ctx, policy, project); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) liveRules(ctx context.Context, policyID int64) ([]models.ApprovalPolicyRule, error) {
	all, err := m.store.RulesByPolicy(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("loading policy rules: %w", err)
	}
	var live []models.ApprovalPolicyRule
	for _, rule := range all {
		if rule.RuleIndex >= 0 {
			live = append(live, rule)
		}
	}
	return live, nil
}
