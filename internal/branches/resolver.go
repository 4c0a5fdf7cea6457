// Package branches resolves which concrete branch names a set of policy
// rules applies to for one project.
package branches

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sentinelops/policysync/internal/scm"
	"github.com/sentinelops/policysync/models"
)

// Kind selects the resolution mode. Scan-result (approval) policies can
// only ever constrain protected branches, whatever the rule nominally
// matched; scan-execution policies may target any branch.
type Kind string

const (
	KindScanExecution Kind = "scan_execution"
	KindScanResult    Kind = "scan_result"
)

// Source supplies a project's branch names and protected-branch patterns.
type Source interface {
	BranchNames(ctx context.Context, project models.Project) ([]string, error)
	ProtectedPatterns(ctx context.Context, project models.Project) ([]string, error)
}

// StoreSource reads branch data straight off the project record.
type StoreSource struct{}

func (StoreSource) BranchNames(ctx context.Context, project models.Project) ([]string, error) {
	return project.BranchNames, nil
}

func (StoreSource) ProtectedPatterns(ctx context.Context, project models.Project) ([]string, error) {
	return project.ProtectedBranchPatterns, nil
}

// MirrorSource prefers the live branch list of the project's SCM mirror,
// falling back to stored data for projects without one.
type MirrorSource struct {
	Client   scm.Client
	Fallback Source
}

func NewMirrorSource(client scm.Client) *MirrorSource {
	return &MirrorSource{Client: client, Fallback: StoreSource{}}
}

func (s *MirrorSource) BranchNames(ctx context.Context, project models.Project) ([]string, error) {
	if project.MirrorFullName == "" {
		return s.Fallback.BranchNames(ctx, project)
	}
	return s.Client.ListBranchNames(ctx, project.MirrorFullName)
}

func (s *MirrorSource) ProtectedPatterns(ctx context.Context, project models.Project) ([]string, error) {
	if project.MirrorFullName == "" {
		return s.Fallback.ProtectedPatterns(ctx, project)
	}
	patterns, err := s.Client.ListProtectedPatterns(ctx, project.MirrorFullName)
	if err != nil {
		return nil, err
	}
	// Group-inherited protection rules only exist in the store.
	stored, err := s.Fallback.ProtectedPatterns(ctx, project)
	if err != nil {
		return nil, err
	}
	return append(patterns, stored...), nil
}

// Resolver computes per-project branch applicability.
type Resolver struct {
	source Source
}

func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns the sorted set of branch names the rules match:
// union of per-rule matches, minus the union of exception matches, for
// scan-result policies further intersected with the protected set.
func (r *Resolver) Resolve(ctx context.Context, kind Kind, project models.Project, rules []models.RuleContent) ([]string, error) {
	names, err := r.source.BranchNames(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("listing branches of %s: %w", project.FullPath, err)
	}
	patterns, err := r.source.ProtectedPatterns(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("listing protected patterns of %s: %w", project.FullPath, err)
	}

	protected := protectedNames(names, patterns)

	included := map[string]struct{}{}
	for _, rule := range rules {
		for name := range r.ruleMatches(rule, project, names, patterns, protected) {
			included[name] = struct{}{}
		}
	}

	excluded := map[string]struct{}{}
	for _, rule := range rules {
		for _, exception := range rule.BranchExceptions {
			if !exception.AppliesTo(project.FullPath) {
				continue
			}
			for name := range included {
				if Match(exception.Name, name) {
					excluded[name] = struct{}{}
				}
			}
		}
	}

	var out []string
	for name := range included {
		if _, skip := excluded[name]; skip {
			continue
		}
		if kind == KindScanResult {
			if _, ok := protected[name]; !ok {
				continue
			}
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Resolver) ruleMatches(rule models.RuleContent, project models.Project, names, patterns []string, protected map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}

	// An explicit empty branch list is the "all protected branches"
	// convention, distinct from the selector being absent.
	if rule.Branches != nil && len(rule.Branches) == 0 {
		return protected
	}

	if len(rule.Branches) > 0 {
		// Patterns match against branch names plus protected patterns: a
		// protected pattern may reference branches not yet created locally
		// but still relevant for policy intent.
		pool := append(append([]string{}, names...), patterns...)
		for _, pattern := range rule.Branches {
			for _, candidate := range pool {
				if Match(pattern, candidate) {
					out[candidate] = struct{}{}
				}
			}
		}
		return out
	}

	switch rule.BranchType {
	case models.BranchTypeAll:
		for _, name := range names {
			out[name] = struct{}{}
		}
	case models.BranchTypeProtected:
		return protected
	case models.BranchTypeDefault:
		if project.DefaultBranch != "" {
			out[project.DefaultBranch] = struct{}{}
		}
	}
	return out
}

// protectedNames expands protection patterns into the concrete protected
// set: every branch matching a pattern, plus literal patterns naming
// branches that do not exist locally yet.
func protectedNames(names, patterns []string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, name := range names {
		for _, pattern := range patterns {
			if Match(pattern, name) {
				out[name] = struct{}{}
			}
		}
	}
	for _, pattern := range patterns {
		if !strings.ContainsAny(pattern, "*?[{") {
			out[pattern] = struct{}{}
		}
	}
	return out
}

// Match reports whether a branch glob pattern matches a name. Invalid
// patterns match nothing rather than failing the whole resolution.
func Match(pattern, name string) bool {
	matched, err := doublestar.Match(pattern, name)
	if err != nil {
		return false
	}
	return matched
}
