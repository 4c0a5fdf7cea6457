package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopeAppliesTo_EmptyScopeMatchesEverything(t *testing.T) {
	scope := PolicyScope{}

	assert.True(t, scope.AppliesTo(Project{ID: 1}))
	assert.True(t, scope.AppliesTo(Project{ID: 2, ComplianceFrameworkIDs: []int64{7}}))
}

func TestScopeAppliesTo_ExclusionWins(t *testing.T) {
	scope := PolicyScope{
		IncludedProjectIDs: []int64{1},
		ExcludedProjectIDs: []int64{1},
	}

	assert.False(t, scope.AppliesTo(Project{ID: 1}))
}

func TestScopeAppliesTo_IncludedProjects(t *testing.T) {
	scope := PolicyScope{IncludedProjectIDs: []int64{1, 3}}

	assert.True(t, scope.AppliesTo(Project{ID: 3}))
	assert.False(t, scope.AppliesTo(Project{ID: 2}))
}

func TestScopeAppliesTo_ComplianceFrameworks(t *testing.T) {
	scope := PolicyScope{ComplianceFrameworkIDs: []int64{10}}

	assert.True(t, scope.AppliesTo(Project{ID: 1, ComplianceFrameworkIDs: []int64{9, 10}}))
	assert.False(t, scope.AppliesTo(Project{ID: 2, ComplianceFrameworkIDs: []int64{9}}))
	assert.False(t, scope.AppliesTo(Project{ID: 3}))
}

func TestSecurityPolicy_Deleted(t *testing.T) {
	assert.False(t, SecurityPolicy{PolicyIndex: 0}.Deleted())
	assert.False(t, SecurityPolicy{PolicyIndex: 3}.Deleted())
	assert.True(t, SecurityPolicy{PolicyIndex: -1}.Deleted())
}

func TestRequireApprovalAction(t *testing.T) {
	policy := SecurityPolicy{Content: PolicyContent{Actions: []ActionSpec{
		{Type: ActionSendBotMessage},
		{Type: ActionRequireApproval, ApprovalsRequired: 2},
	}}}

	action, ok := policy.RequireApprovalAction()
	assert.True(t, ok)
	assert.Equal(t, 2, action.ApprovalsRequired)

	_, ok = SecurityPolicy{}.RequireApprovalAction()
	assert.False(t, ok)
}
