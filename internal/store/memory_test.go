package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/policysync/models"
)

func TestCreatePolicy_DuplicateIndexConflicts(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	first := models.SecurityPolicy{ConfigurationID: 1, Type: models.PolicyTypeApproval, Name: "a", PolicyIndex: 0}
	require.NoError(t, st.CreatePolicy(ctx, &first))

	second := models.SecurityPolicy{ConfigurationID: 1, Type: models.PolicyTypeApproval, Name: "b", PolicyIndex: 0}
	assert.ErrorIs(t, st.CreatePolicy(ctx, &second), ErrConflict)
}

func TestCreatePolicy_SameIndexDifferentTypeAllowed(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	approval := models.SecurityPolicy{ConfigurationID: 1, Type: models.PolicyTypeApproval, Name: "a", PolicyIndex: 0}
	require.NoError(t, st.CreatePolicy(ctx, &approval))

	scan := models.SecurityPolicy{ConfigurationID: 1, Type: models.PolicyTypeScanExecution, Name: "b", PolicyIndex: 0}
	assert.NoError(t, st.CreatePolicy(ctx, &scan))
}

func TestUpdatePolicy_MoveOntoTakenIndexConflicts(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	first := models.SecurityPolicy{ConfigurationID: 1, Type: models.PolicyTypeApproval, Name: "a", PolicyIndex: 0}
	second := models.SecurityPolicy{ConfigurationID: 1, Type: models.PolicyTypeApproval, Name: "b", PolicyIndex: 1}
	require.NoError(t, st.CreatePolicy(ctx, &first))
	require.NoError(t, st.CreatePolicy(ctx, &second))

	second.PolicyIndex = 0
	assert.ErrorIs(t, st.UpdatePolicy(ctx, second), ErrConflict)
}

func TestCreateRule_DuplicateIndexConflicts(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	policy := models.SecurityPolicy{ConfigurationID: 1, Type: models.PolicyTypeApproval, Name: "a"}
	require.NoError(t, st.CreatePolicy(ctx, &policy))

	first := models.ApprovalPolicyRule{PolicyID: policy.ID, RuleIndex: 0}
	require.NoError(t, st.CreateRule(ctx, &first))

	second := models.ApprovalPolicyRule{PolicyID: policy.ID, RuleIndex: 0}
	assert.ErrorIs(t, st.CreateRule(ctx, &second), ErrConflict)
}

func TestWithinTx_RollbackRestoresState(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	keep := models.SecurityPolicy{ConfigurationID: 1, Type: models.PolicyTypeApproval, Name: "keep", PolicyIndex: 0}
	require.NoError(t, st.CreatePolicy(ctx, &keep))

	err := st.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		doomed := models.SecurityPolicy{ConfigurationID: 1, Type: models.PolicyTypeApproval, Name: "doomed", PolicyIndex: 1}
		if err := tx.CreatePolicy(ctx, &doomed); err != nil {
			return err
		}
		kept := keep
		kept.Name = "renamed"
		if err := tx.UpdatePolicy(ctx, kept); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.EqualError(t, err, "abort")

	policies, err := st.PoliciesByConfiguration(ctx, 1, models.PolicyTypeApproval)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "keep", policies[0].Name)
}

func TestWithinTx_CommitKeepsWrites(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	err := st.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		policy := models.SecurityPolicy{ConfigurationID: 1, Type: models.PolicyTypeApproval, Name: "a", PolicyIndex: 0}
		return tx.CreatePolicy(ctx, &policy)
	})
	require.NoError(t, err)

	policies, err := st.PoliciesByConfiguration(ctx, 1, models.PolicyTypeApproval)
	require.NoError(t, err)
	assert.Len(t, policies, 1)
}

func TestAttachProfile_EnforcesCap(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	for i := int64(1); i <= int64(models.MaxProfilesPerProject); i++ {
		changed, err := st.AttachProfile(ctx, i, 500, models.MaxProfilesPerProject)
		require.NoError(t, err)
		assert.True(t, changed)
	}

	_, err := st.AttachProfile(ctx, 99, 500, models.MaxProfilesPerProject)
	assert.ErrorIs(t, err, ErrLimitReached)
}

func TestAttachProfile_ReattachIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	changed, err := st.AttachProfile(ctx, 1, 500, models.MaxProfilesPerProject)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = st.AttachProfile(ctx, 1, 500, models.MaxProfilesPerProject)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestProjectsByNamespace_KeysetPagination(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	st.AddNamespace(models.Namespace{ID: 1, Path: "g", FullPath: "g", Kind: models.NamespaceKindGroup})
	var all []models.Project
	for i := 0; i < 5; i++ {
		all = append(all, st.AddProject(models.Project{NamespaceID: 1, FullPath: fmt.Sprintf("g/p%d", i)}))
	}

	page, err := st.ProjectsByNamespace(ctx, 1, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[0].ID, page[0].ID)

	page, err = st.ProjectsByNamespace(ctx, 1, page[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[2].ID, page[0].ID)

	page, err = st.ProjectsByNamespace(ctx, 1, page[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, all[4].ID, page[0].ID)
}

func TestDescendantGroups_SkipsNonGroupNamespaces(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	st.AddNamespace(models.Namespace{ID: 1, Path: "g", FullPath: "g", Kind: models.NamespaceKindGroup})
	st.AddNamespace(models.Namespace{ID: 2, ParentID: 1, RootID: 1, Path: "sub", FullPath: "g/sub", Kind: models.NamespaceKindGroup})
	st.AddNamespace(models.Namespace{ID: 3, ParentID: 2, RootID: 1, Path: "deep", FullPath: "g/sub/deep", Kind: models.NamespaceKindGroup})
	st.AddNamespace(models.Namespace{ID: 4, ParentID: 1, RootID: 1, Path: "alice", FullPath: "g/alice", Kind: models.NamespaceKindUser})

	groups, err := st.DescendantGroups(ctx, 1)
	require.NoError(t, err)
	ids := make([]int64, len(groups))
	for i, g := range groups {
		ids[i] = g.ID
	}
	assert.ElementsMatch(t, []int64{2, 3}, ids)
}
