package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sentinelops/policysync/internal/approval"
	"github.com/sentinelops/policysync/internal/branches"
	"github.com/sentinelops/policysync/internal/diff"
	"github.com/sentinelops/policysync/internal/dispatch"
	"github.com/sentinelops/policysync/internal/linkage"
	"github.com/sentinelops/policysync/internal/mergerequest"
	"github.com/sentinelops/policysync/internal/persist"
	"github.com/sentinelops/policysync/internal/store"
	"github.com/sentinelops/policysync/models"
)

// syncEnv wires the full pipeline together on in-memory backends: diffing,
// persistence, linkage and projection.
type syncEnv struct {
	store      *store.Memory
	dispatcher *dispatch.MemoryDispatcher
	service    SyncService
	links      *linkage.Manager
	project    models.Project
}

const configID int64 = 1

func newSyncEnv(t *testing.T) *syncEnv {
	t.Helper()
	st := store.NewMemory()
	st.AddNamespace(models.Namespace{ID: configID, Path: "acme", FullPath: "acme", Kind: models.NamespaceKindGroup})
	project := st.AddProject(models.Project{
		NamespaceID:             configID,
		FullPath:                "acme/app",
		DefaultBranch:           "main",
		BranchNames:             []string{"main"},
		ProtectedBranchPatterns: []string{"main"},
		ProtectedBranchIDs:      map[string]int64{"main": 11},
		ApprovalEngineEnabled:   true,
	})

	log := zap.NewNop().Sugar()
	dispatcher := dispatch.NewMemoryDispatcher()
	resolver := branches.NewResolver(branches.StoreSource{})
	mrSync := mergerequest.NewService(st, dispatcher, log)
	projector := approval.NewProjector(st, resolver, mrSync, false, log)
	links := linkage.NewManager(st, projector, log)

	svc := NewSyncService(st, diff.NewEngine(), persist.NewCoordinator(st, log), links, dispatcher, log)
	return &syncEnv{store: st, dispatcher: dispatcher, service: svc, links: links, project: project}
}

func approvalSpec(name string, approvals int, rules ...models.RuleContent) models.PolicySpec {
	return models.PolicySpec{
		Name:    name,
		Enabled: true,
		Rules:   rules,
		Actions: []models.ActionSpec{{Type: models.ActionRequireApproval, ApprovalsRequired: approvals}},
	}
}

func scanFindingRule(severities ...string) models.RuleContent {
	return models.RuleContent{
		Type:           models.RuleTypeScanFinding,
		BranchType:     models.BranchTypeProtected,
		SeverityLevels: severities,
	}
}

// linkAll mirrors what the hierarchy reconciliation job does after a sync
// created new policies.
func (e *syncEnv) linkAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	policies, err := e.store.PoliciesByConfiguration(ctx, configID, models.PolicyTypeApproval)
	require.NoError(t, err)
	for _, policy := range policies {
		_, err := e.links.Sync(ctx, policy, e.project)
		require.NoError(t, err)
	}
}

func TestSync_NewPolicyPersistedAndHierarchyJobEnqueued(t *testing.T) {
	ctx := context.Background()
	env := newSyncEnv(t)

	specs := []models.PolicySpec{approvalSpec("gate", 2, scanFindingRule("critical"))}
	require.NoError(t, env.service.Sync(ctx, configID, models.PolicyTypeApproval, specs))

	policies, err := env.store.PoliciesByConfiguration(ctx, configID, models.PolicyTypeApproval)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "gate", policies[0].Name)

	// Linking is deferred to the namespace-lease job.
	linked, err := env.store.LinkExists(ctx, policies[0].ID, env.project.ID)
	require.NoError(t, err)
	assert.False(t, linked)

	jobs := env.dispatcher.JobsNamed(dispatch.JobPolicyConfigChange)
	require.Len(t, jobs, 1)
	assert.Equal(t, "1", jobs[0].Args["configuration_id"])
	assert.Equal(t, string(models.PolicyTypeApproval), jobs[0].Args["policy_type"])
}

func TestSync_UnchangedConfigurationIsNoop(t *testing.T) {
	ctx := context.Background()
	env := newSyncEnv(t)

	specs := []models.PolicySpec{approvalSpec("gate", 2, scanFindingRule("critical"))}
	require.NoError(t, env.service.Sync(ctx, configID, models.PolicyTypeApproval, specs))
	env.dispatcher.Drain()

	require.NoError(t, env.service.Sync(ctx, configID, models.PolicyTypeApproval, specs))
	assert.Empty(t, env.dispatcher.Jobs())
}

func TestSync_ContentChangePropagatesToLinkedProject(t *testing.T) {
	ctx := context.Background()
	env := newSyncEnv(t)

	specs := []models.PolicySpec{approvalSpec("gate", 2, scanFindingRule("critical"))}
	require.NoError(t, env.service.Sync(ctx, configID, models.PolicyTypeApproval, specs))
	env.linkAll(t)

	// Approvals count changes without touching any rule.
	specs[0].Actions[0].ApprovalsRequired = 4
	require.NoError(t, env.service.Sync(ctx, configID, models.PolicyTypeApproval, specs))

	rules, err := env.store.ProjectRulesByProject(ctx, env.project.ID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 4, rules[0].ApprovalsRequired)
}

func TestSync_RuleChangePropagatesToLinkedProject(t *testing.T) {
	ctx := context.Background()
	env := newSyncEnv(t)

	specs := []models.PolicySpec{approvalSpec("gate", 2, scanFindingRule("critical"))}
	require.NoError(t, env.service.Sync(ctx, configID, models.PolicyTypeApproval, specs))
	env.linkAll(t)

	specs[0].Rules = []models.RuleContent{scanFindingRule("critical", "high")}
	require.NoError(t, env.service.Sync(ctx, configID, models.PolicyTypeApproval, specs))

	rules, err := env.store.ProjectRulesByProject(ctx, env.project.ID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, []string{"critical", "high"}, rules[0].SeverityLevels)
}

func TestSync_RemovedPolicyUnlinksAndTearsDownRules(t *testing.T) {
	ctx := context.Background()
	env := newSyncEnv(t)

	specs := []models.PolicySpec{
		approvalSpec("gate", 2, scanFindingRule("critical")),
		approvalSpec("second gate", 1, scanFindingRule("high")),
	}
	require.NoError(t, env.service.Sync(ctx, configID, models.PolicyTypeApproval, specs))
	env.linkAll(t)

	rules, err := env.store.ProjectRulesByProject(ctx, env.project.ID)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	require.NoError(t, env.service.Sync(ctx, configID, models.PolicyTypeApproval, specs[:1]))

	rules, err = env.store.ProjectRulesByProject(ctx, env.project.ID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "gate", rules[0].Name)

	// The removed policy's read cache goes with it.
	policies, err := env.store.PoliciesByConfiguration(ctx, configID, models.PolicyTypeApproval)
	require.NoError(t, err)
	var keptID int64
	for _, p := range policies {
		if p.Name == "gate" {
			keptID = p.ID
		}
	}
	reads := env.store.PolicyReadsForProject(env.project.ID)
	require.Len(t, reads, 1)
	assert.Equal(t, keptID, reads[0].PolicyID)
}

func TestSync_PureReorderRefreshesProjectedIndexes(t *testing.T) {
	ctx := context.Background()
	env := newSyncEnv(t)

	specs := []models.PolicySpec{
		approvalSpec("gate", 2, scanFindingRule("critical")),
		approvalSpec("second gate", 1, scanFindingRule("high")),
	}
	require.NoError(t, env.service.Sync(ctx, configID, models.PolicyTypeApproval, specs))
	env.linkAll(t)

	// Swap the two policies without touching their content.
	require.NoError(t, env.service.Sync(ctx, configID, models.PolicyTypeApproval,
		[]models.PolicySpec{specs[1], specs[0]}))

	rules, err := env.store.ProjectRulesByProject(ctx, env.project.ID)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	indexByName := map[string]int{}
	for _, rule := range rules {
		indexByName[rule.Name] = rule.OrchestrationPolicyIdx
	}
	assert.Equal(t, map[string]int{"second gate": 0, "gate": 1}, indexByName)

	// The read cache tracks the new ordering without growing extra rows.
	policies, err := env.store.PoliciesByConfiguration(ctx, configID, models.PolicyTypeApproval)
	require.NoError(t, err)
	indexByPolicy := map[int64]int{}
	for _, p := range policies {
		indexByPolicy[p.ID] = p.PolicyIndex
	}
	reads := env.store.PolicyReadsForProject(env.project.ID)
	require.Len(t, reads, 2)
	for _, read := range reads {
		assert.Equal(t, indexByPolicy[read.PolicyID], read.OrchestrationPolicyIdx)
	}
}

func TestSync_DisabledPolicyUnlinksOnPropagation(t *testing.T) {
	ctx := context.Background()
	env := newSyncEnv(t)

	specs := []models.PolicySpec{approvalSpec("gate", 2, scanFindingRule("critical"))}
	require.NoError(t, env.service.Sync(ctx, configID, models.PolicyTypeApproval, specs))
	env.linkAll(t)

	specs[0].Enabled = false
	require.NoError(t, env.service.Sync(ctx, configID, models.PolicyTypeApproval, specs))

	policies, err := env.store.PoliciesByConfiguration(ctx, configID, models.PolicyTypeApproval)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	linked, err := env.store.LinkExists(ctx, policies[0].ID, env.project.ID)
	require.NoError(t, err)
	assert.False(t, linked)

	rules, err := env.store.ProjectRulesByProject(ctx, env.project.ID)
	require.NoError(t, err)
	assert.Empty(t, rules)
}
