// Package scm reads live branch data from an external SCM mirror. Projects
// without a configured mirror never touch this package; their branch data
// comes straight from the store.
package scm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gh "github.com/google/go-github/v80/github"
)

// Client lists branch names and protected-branch patterns for a mirror
// repository identified as "org/repo".
type Client interface {
	ListBranchNames(ctx context.Context, fullName string) ([]string, error)
	ListProtectedPatterns(ctx context.Context, fullName string) ([]string, error)
}

type client struct {
	repositories RepositoriesAPI
}

// RepositoriesAPI is the slice of the go-github repositories service the
// client uses.
type RepositoriesAPI interface {
	ListBranches(ctx context.Context, owner, repo string, opts *gh.BranchListOptions) ([]*gh.Branch, *gh.Response, error)
}

type authTransport struct {
	token string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(req)
}

// New builds a Client authenticated with the given token. An empty token
// yields an unauthenticated client, fine for public mirrors.
func New(token string) Client {
	var httpClient *http.Client
	if token != "" {
		httpClient = &http.Client{
			Transport: &authTransport{token: token},
		}
	}
	return &client{repositories: gh.NewClient(httpClient).Repositories}
}

func splitFullName(fullName string) (string, string, error) {
	owner, repo, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("malformed mirror name %q, want org/repo", fullName)
	}
	return owner, repo, nil
}

func (c *client) ListBranchNames(ctx context.Context, fullName string) ([]string, error) {
	owner, repo, err := splitFullName(fullName)
	if err != nil {
		return nil, err
	}

	var names []string
	opts := &gh.BranchListOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	for {
		branches, resp, err := c.listBranchesWithRetry(ctx, owner, repo, opts)
		if err != nil {
			return nil, err
		}
		for _, b := range branches {
			names = append(names, b.GetName())
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return names, nil
}

func (c *client) listBranchesWithRetry(ctx context.Context, owner, repo string, opts *gh.BranchListOptions) ([]*gh.Branch, *gh.Response, error) {
	maxRetries := 5
	baseDelay := 1 * time.Second

	for attempt := 0; attempt <= maxRetries; attempt++ {
		branches, resp, err := c.repositories.ListBranches(ctx, owner, repo, opts)
		if err == nil {
			return branches, resp, nil
		}

		var rateLimitErr *gh.RateLimitError
		if !errors.As(err, &rateLimitErr) {
			return nil, nil, err
		}
		if attempt == maxRetries {
			return nil, nil, fmt.Errorf("max retries reached: %w", err)
		}

		waitDuration := time.Until(rateLimitErr.Rate.Reset.Time)
		if waitDuration < 0 {
			waitDuration = baseDelay * time.Duration(1<<attempt)
		}

		select {
		case <-time.After(waitDuration):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	return nil, nil, fmt.Errorf("unexpected retry loop exit")
}

func (c *client) ListProtectedPatterns(ctx context.Context, fullName string) ([]string, error) {
	owner, repo, err := splitFullName(fullName)
	if err != nil {
		return nil, err
	}

	var patterns []string
	opts := &gh.BranchListOptions{
		Protected:   gh.Ptr(true),
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	for {
		branches, resp, err := c.listBranchesWithRetry(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing protected branches for %s: %w", fullName, err)
		}
		for _, b := range branches {
			patterns = append(patterns, b.GetName())
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return patterns, nil
}
