package scm

import (
	"context"
	"fmt"
	"testing"

	gh "github.com/google/go-github/v80/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepositories struct {
	pages    map[int][]*gh.Branch // page 0 is the first request
	requests []*gh.BranchListOptions
	err      error
}

func (f *fakeRepositories) ListBranches(ctx context.Context, owner, repo string, opts *gh.BranchListOptions) ([]*gh.Branch, *gh.Response, error) {
	f.requests = append(f.requests, opts)
	if f.err != nil {
		return nil, nil, f.err
	}
	branches := f.pages[opts.Page]
	resp := &gh.Response{}
	if _, hasNext := f.pages[nextPage(opts.Page)]; hasNext {
		resp.NextPage = nextPage(opts.Page)
	}
	return branches, resp, nil
}

func nextPage(page int) int {
	if page == 0 {
		return 2
	}
	return page + 1
}

func branch(name string) *gh.Branch {
	return &gh.Branch{Name: gh.Ptr(name)}
}

func TestListBranchNames_CollectsAllPages(t *testing.T) {
	repos := &fakeRepositories{pages: map[int][]*gh.Branch{
		0: {branch("main"), branch("develop")},
		2: {branch("release/1.0")},
	}}
	c := &client{repositories: repos}

	names, err := c.ListBranchNames(context.Background(), "org/repo")
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "develop", "release/1.0"}, names)
	assert.Len(t, repos.requests, 2)
}

func TestListBranchNames_MalformedMirrorName(t *testing.T) {
	c := &client{repositories: &fakeRepositories{}}

	for _, name := range []string{"", "norepo", "/repo", "org/"} {
		_, err := c.ListBranchNames(context.Background(), name)
		assert.Error(t, err, "name %q", name)
	}
}

func TestListBranchNames_NonRateLimitErrorFailsFast(t *testing.T) {
	repos := &fakeRepositories{err: fmt.Errorf("boom")}
	c := &client{repositories: repos}

	_, err := c.ListBranchNames(context.Background(), "org/repo")
	require.Error(t, err)
	assert.Len(t, repos.requests, 1)
}

func TestListProtectedPatterns_RequestsProtectedOnly(t *testing.T) {
	repos := &fakeRepositories{pages: map[int][]*gh.Branch{
		0: {branch("main"), branch("release/*")},
	}}
	c := &client{repositories: repos}

	patterns, err := c.ListProtectedPatterns(context.Background(), "org/repo")
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "release/*"}, patterns)

	require.Len(t, repos.requests, 1)
	require.NotNil(t, repos.requests[0].Protected)
	assert.True(t, *repos.requests[0].Protected)
}
