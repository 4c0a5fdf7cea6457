package linkage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sentinelops/policysync/internal/checksum"
	"github.com/sentinelops/policysync/internal/store"
	"github.com/sentinelops/policysync/models"
)

type projectorCall struct {
	op        string
	projectID int64
	ruleCount int
}

type fakeProjector struct {
	calls []projectorCall
}

func (f *fakeProjector) CreateRules(ctx context.Context, project models.Project, policy models.SecurityPolicy, rules []models.ApprovalPolicyRule) error {
	f.calls = append(f.calls, projectorCall{op: "create", projectID: project.ID, ruleCount: len(rules)})
	return nil
}

func (f *fakeProjector) UpdateRules(ctx context.Context, project models.Project, policy models.SecurityPolicy, rules []models.ApprovalPolicyRule) error {
	f.calls = append(f.calls, projectorCall{op: "update", projectID: project.ID, ruleCount: len(rules)})
	return nil
}

func (f *fakeProjector) DeleteRules(ctx context.Context, project models.Project, policy models.SecurityPolicy, rules []models.ApprovalPolicyRule) error {
	f.calls = append(f.calls, projectorCall{op: "delete", projectID: project.ID, ruleCount: len(rules)})
	return nil
}

func (f *fakeProjector) SyncPolicyDiff(ctx context.Context, project models.Project, policy models.SecurityPolicy, d models.PolicyDiff) error {
	f.calls = append(f.calls, projectorCall{op: "diff", projectID: project.ID})
	return nil
}

func setup(t *testing.T) (*store.Memory, *Manager, *fakeProjector, models.Project) {
	t.Helper()
	st := store.NewMemory()
	st.AddNamespace(models.Namespace{ID: 10, Path: "group", FullPath: "group", Kind: models.NamespaceKindGroup})
	project := st.AddProject(models.Project{NamespaceID: 10, FullPath: "group/app", DefaultBranch: "main"})
	projector := &fakeProjector{}
	return st, NewManager(st, projector, zap.NewNop().Sugar()), projector, project
}

func approvalPolicy(t *testing.T, st *store.Memory, enabled bool) models.SecurityPolicy {
	t.Helper()
	policy := models.SecurityPolicy{
		ConfigurationID: 10,
		Type:            models.PolicyTypeApproval,
		Name:            "gate",
		PolicyIndex:     0,
		Enabled:         enabled,
	}
	require.NoError(t, st.CreatePolicy(context.Background(), &policy))
	return policy
}

func addRule(t *testing.T, st *store.Memory, policyID int64, index int) {
	t.Helper()
	content := models.RuleContent{Type: models.RuleTypeScanFinding, BranchType: models.BranchTypeProtected}
	rule := models.ApprovalPolicyRule{
		PolicyID:  policyID,
		RuleIndex: index,
		Type:      content.Type,
		Checksum:  checksum.MustSum(content),
		Content:   content,
	}
	require.NoError(t, st.CreateRule(context.Background(), &rule))
}

func TestSync_LinksApplicablePolicy(t *testing.T) {
	ctx := context.Background()
	st, mgr, projector, project := setup(t)
	policy := approvalPolicy(t, st, true)
	addRule(t, st, policy.ID, 0)
	addRule(t, st, policy.ID, 1)

	transition, err := mgr.Sync(ctx, policy, project)
	require.NoError(t, err)
	assert.Equal(t, TransitionLinked, transition)

	linked, err := st.LinkExists(ctx, policy.ID, project.ID)
	require.NoError(t, err)
	assert.True(t, linked)
	require.Len(t, projector.calls, 1)
	assert.Equal(t, projectorCall{op: "create", projectID: project.ID, ruleCount: 2}, projector.calls[0])
}

func TestSync_TombstonedRulesNotMaterialized(t *testing.T) {
	ctx := context.Background()
	st, mgr, projector, project := setup(t)
	policy := approvalPolicy(t, st, true)
	addRule(t, st, policy.ID, 0)
	addRule(t, st, policy.ID, -1)

	_, err := mgr.Sync(ctx, policy, project)
	require.NoError(t, err)
	require.Len(t, projector.calls, 1)
	assert.Equal(t, 1, projector.calls[0].ruleCount)
}

func TestSync_DisabledPolicyUnlinks(t *testing.T) {
	ctx := context.Background()
	st, mgr, projector, project := setup(t)
	policy := approvalPolicy(t, st, true)
	addRule(t, st, policy.ID, 0)

	_, err := mgr.Sync(ctx, policy, project)
	require.NoError(t, err)

	policy.Enabled = false
	require.NoError(t, st.UpdatePolicy(ctx, policy))

	transition, err := mgr.Sync(ctx, policy, project)
	require.NoError(t, err)
	assert.Equal(t, TransitionUnlinked, transition)

	linked, err := st.LinkExists(ctx, policy.ID, project.ID)
	require.NoError(t, err)
	assert.False(t, linked)
	require.Len(t, projector.calls, 2)
	assert.Equal(t, "delete", projector.calls[1].op)
}

func TestSync_TombstonedPolicyUnlinks(t *testing.T) {
	ctx := context.Background()
	st, mgr, _, project := setup(t)
	policy := approvalPolicy(t, st, true)

	_, err := mgr.Sync(ctx, policy, project)
	require.NoError(t, err)

	policy.PolicyIndex = -1
	require.NoError(t, st.UpdatePolicy(ctx, policy))

	transition, err := mgr.Sync(ctx, policy, project)
	require.NoError(t, err)
	assert.Equal(t, TransitionUnlinked, transition)
}

func TestSync_OutOfScopeProjectNotLinked(t *testing.T) {
	ctx := context.Background()
	st, mgr, projector, project := setup(t)
	policy := approvalPolicy(t, st, true)
	policy.Scope = models.PolicyScope{ExcludedProjectIDs: []int64{project.ID}}
	require.NoError(t, st.UpdatePolicy(ctx, policy))

	transition, err := mgr.Sync(ctx, policy, project)
	require.NoError(t, err)
	assert.Equal(t, TransitionNone, transition)

	linked, err := st.LinkExists(ctx, policy.ID, project.ID)
	require.NoError(t, err)
	assert.False(t, linked)
	assert.Empty(t, projector.calls)
}

func TestSync_AlreadyLinkedIsNone(t *testing.T) {
	ctx := context.Background()
	st, mgr, projector, project := setup(t)
	policy := approvalPolicy(t, st, true)

	_, err := mgr.Sync(ctx, policy, project)
	require.NoError(t, err)
	transition, err := mgr.Sync(ctx, policy, project)
	require.NoError(t, err)
	assert.Equal(t, TransitionNone, transition)
	assert.Len(t, projector.calls, 1)
}

func TestSync_NonApprovalPolicySkipsProjector(t *testing.T) {
	ctx := context.Background()
	st, mgr, projector, project := setup(t)
	policy := models.SecurityPolicy{
		ConfigurationID: 10,
		Type:            models.PolicyTypeScanExecution,
		Name:            "scans",
		Enabled:         true,
	}
	require.NoError(t, st.CreatePolicy(ctx, &policy))

	transition, err := mgr.Sync(ctx, policy, project)
	require.NoError(t, err)
	assert.Equal(t, TransitionLinked, transition)
	assert.Empty(t, projector.calls)
}

func TestHandlePolicyDiff_RefreshesLinkedPair(t *testing.T) {
	ctx := context.Background()
	st, mgr, projector, project := setup(t)
	policy := approvalPolicy(t, st, true)
	_, err := mgr.Sync(ctx, policy, project)
	require.NoError(t, err)
	projector.calls = nil

	d := models.PolicyDiff{ContentProjectChanged: true}
	require.NoError(t, mgr.HandlePolicyDiff(ctx, policy, project, d))

	require.Len(t, projector.calls, 1)
	assert.Equal(t, "diff", projector.calls[0].op)
}

func TestHandlePolicyDiff_StructuralTransitionSkipsRuleSync(t *testing.T) {
	ctx := context.Background()
	st, mgr, projector, project := setup(t)
	policy := approvalPolicy(t, st, true)

	// Not linked yet: the diff handler performs the link and stops there.
	d := models.PolicyDiff{ContentProjectChanged: true}
	require.NoError(t, mgr.HandlePolicyDiff(ctx, policy, project, d))

	require.Len(t, projector.calls, 1)
	assert.Equal(t, "create", projector.calls[0].op)
}

func TestHandlePolicyDiff_NoRefreshNeededIsNoop(t *testing.T) {
	ctx := context.Background()
	st, mgr, projector, project := setup(t)
	policy := approvalPolicy(t, st, true)
	_, err := mgr.Sync(ctx, policy, project)
	require.NoError(t, err)
	projector.calls = nil

	require.NoError(t, mgr.HandlePolicyDiff(ctx, policy, project, models.PolicyDiff{}))
	assert.Empty(t, projector.calls)
}

func TestHandleReindex_RefreshesLinkedProject(t *testing.T) {
	ctx := context.Background()
	st, mgr, projector, project := setup(t)
	policy := approvalPolicy(t, st, true)
	addRule(t, st, policy.ID, 0)
	_, err := mgr.Sync(ctx, policy, project)
	require.NoError(t, err)
	projector.calls = nil

	policy.PolicyIndex = 2
	require.NoError(t, st.UpdatePolicy(ctx, policy))

	require.NoError(t, mgr.HandleReindex(ctx, policy, project))
	require.Len(t, projector.calls, 1)
	assert.Equal(t, projectorCall{op: "update", projectID: project.ID, ruleCount: 1}, projector.calls[0])
}

func TestHandleReindex_UnlinkedProjectUntouched(t *testing.T) {
	ctx := context.Background()
	st, mgr, projector, project := setup(t)
	policy := approvalPolicy(t, st, true)
	addRule(t, st, policy.ID, 0)

	require.NoError(t, mgr.HandleReindex(ctx, policy, project))
	assert.Empty(t, projector.calls)
}

func TestHandleComplianceFrameworkChanged_ReevaluatesAllTypes(t *testing.T) {
	ctx := context.Background()
	st, mgr, _, project := setup(t)
	approval := approvalPolicy(t, st, true)
	scan := models.SecurityPolicy{
		ConfigurationID: 10,
		Type:            models.PolicyTypeScanExecution,
		Name:            "scans",
		Enabled:         true,
	}
	require.NoError(t, st.CreatePolicy(ctx, &scan))

	require.NoError(t, mgr.HandleComplianceFrameworkChanged(ctx, 10, project))

	for _, policy := range []models.SecurityPolicy{approval, scan} {
		linked, err := st.LinkExists(ctx, policy.ID, project.ID)
		require.NoError(t, err)
		assert.True(t, linked, "policy %q", policy.Name)
	}
}
