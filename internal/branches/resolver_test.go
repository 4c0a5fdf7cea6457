package branches

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/policysync/models"
)

func fixtureProject() models.Project {
	return models.Project{
		ID:                      1,
		FullPath:                "group/project",
		DefaultBranch:           "main",
		BranchNames:             []string{"main", "develop", "feature/login", "release/1.0", "release/2.0"},
		ProtectedBranchPatterns: []string{"main", "release/*"},
	}
}

func resolve(t *testing.T, kind Kind, project models.Project, rules []models.RuleContent) []string {
	t.Helper()
	out, err := NewResolver(StoreSource{}).Resolve(context.Background(), kind, project, rules)
	require.NoError(t, err)
	return out
}

func TestResolve_BranchTypeAll(t *testing.T) {
	out := resolve(t, KindScanExecution, fixtureProject(), []models.RuleContent{
		{BranchType: models.BranchTypeAll},
	})

	assert.Equal(t, []string{"develop", "feature/login", "main", "release/1.0", "release/2.0"}, out)
}

func TestResolve_BranchTypeDefault(t *testing.T) {
	out := resolve(t, KindScanExecution, fixtureProject(), []models.RuleContent{
		{BranchType: models.BranchTypeDefault},
	})

	assert.Equal(t, []string{"main"}, out)
}

func TestResolve_BranchTypeProtected(t *testing.T) {
	out := resolve(t, KindScanExecution, fixtureProject(), []models.RuleContent{
		{BranchType: models.BranchTypeProtected},
	})

	assert.Equal(t, []string{"main", "release/1.0", "release/2.0"}, out)
}

func TestResolve_ExplicitEmptyListMeansProtected(t *testing.T) {
	out := resolve(t, KindScanExecution, fixtureProject(), []models.RuleContent{
		{Branches: []string{}},
	})

	assert.Equal(t, []string{"main", "release/1.0", "release/2.0"}, out)
}

func TestResolve_ExplicitPatterns(t *testing.T) {
	out := resolve(t, KindScanExecution, fixtureProject(), []models.RuleContent{
		{Branches: []string{"release/*"}},
	})

	// Patterns match against branch names plus protected patterns, so the
	// protected "release/*" entry itself is a candidate too.
	assert.Equal(t, []string{"release/*", "release/1.0", "release/2.0"}, out)
}

func TestResolve_PatternMatchesProtectedPatternForMissingBranch(t *testing.T) {
	// A literal protected pattern can name a branch that does not exist
	// locally yet; it still counts for policy intent.
	project := fixtureProject()
	project.ProtectedBranchPatterns = append(project.ProtectedBranchPatterns, "hotfix")

	out := resolve(t, KindScanExecution, project, []models.RuleContent{
		{Branches: []string{"hotfix"}},
	})

	assert.Equal(t, []string{"hotfix"}, out)
}

func TestResolve_ExceptionRemovesExactlyMatched(t *testing.T) {
	out := resolve(t, KindScanExecution, fixtureProject(), []models.RuleContent{
		{
			BranchType:       models.BranchTypeProtected,
			BranchExceptions: []models.BranchException{{Name: "release/1.0"}},
		},
	})

	assert.Equal(t, []string{"main", "release/2.0"}, out)
}

func TestResolve_ExceptionAppliesAcrossRules(t *testing.T) {
	// Exceptions subtract from the union of all rule inclusions, including
	// branches a later rule contributed.
	out := resolve(t, KindScanExecution, fixtureProject(), []models.RuleContent{
		{
			BranchType:       models.BranchTypeDefault,
			BranchExceptions: []models.BranchException{{Name: "develop"}},
		},
		{Branches: []string{"develop"}},
	})

	assert.Equal(t, []string{"main"}, out)
}

func TestResolve_CrossProjectExceptionIgnored(t *testing.T) {
	out := resolve(t, KindScanExecution, fixtureProject(), []models.RuleContent{
		{
			BranchType: models.BranchTypeProtected,
			BranchExceptions: []models.BranchException{
				{Name: "main", FullPath: "group/other-project"},
			},
		},
	})

	assert.Contains(t, out, "main")
}

func TestResolve_ScanResultIntersectsProtected(t *testing.T) {
	out := resolve(t, KindScanResult, fixtureProject(), []models.RuleContent{
		{BranchType: models.BranchTypeAll},
	})

	assert.Equal(t, []string{"main", "release/1.0", "release/2.0"}, out)
}

func TestResolve_ScanResultDefaultBranchUnprotected(t *testing.T) {
	project := fixtureProject()
	project.DefaultBranch = "develop"

	out := resolve(t, KindScanResult, project, []models.RuleContent{
		{BranchType: models.BranchTypeDefault},
	})

	assert.Empty(t, out)
}

func TestMatch(t *testing.T) {
	assert.True(t, Match("release/*", "release/1.0"))
	assert.True(t, Match("main", "main"))
	assert.False(t, Match("release/*", "main"))
	assert.False(t, Match("[", "main"))
}

type stubSCM struct {
	branches  []string
	protected []string
}

func (s stubSCM) ListBranchNames(ctx context.Context, fullName string) ([]string, error) {
	return s.branches, nil
}

func (s stubSCM) ListProtectedPatterns(ctx context.Context, fullName string) ([]string, error) {
	return s.protected, nil
}

func TestMirrorSource_FallsBackWithoutMirror(t *testing.T) {
	source := NewMirrorSource(stubSCM{branches: []string{"mirror-main"}})
	project := fixtureProject()

	names, err := source.BranchNames(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, project.BranchNames, names)
}

func TestMirrorSource_MergesStoredProtectedPatterns(t *testing.T) {
	source := NewMirrorSource(stubSCM{
		branches:  []string{"mirror-main"},
		protected: []string{"mirror-main"},
	})
	project := fixtureProject()
	project.MirrorFullName = "org/mirror"

	names, err := source.BranchNames(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, []string{"mirror-main"}, names)

	patterns, err := source.ProtectedPatterns(context.Background(), project)
	require.NoError(t, err)
	// Group-inherited protections live only in the store and must survive.
	assert.Equal(t, []string{"mirror-main", "main", "release/*"}, patterns)
}
