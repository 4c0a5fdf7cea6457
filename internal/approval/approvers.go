package approval

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sentinelops/policysync/models"
)

// Built-in role names and their access-level constants. Any role name
// outside this list is treated as a custom role reference.
var builtinRoles = map[string]int{
	"developer":  30,
	"maintainer": 40,
	"owner":      50,
}

// resolveUsers looks up user approvers by ID or username, scoped to the
// project's team. Unknown references resolve to nothing rather than
// failing the projection.
func (p *Projector) resolveUsers(ctx context.Context, project models.Project, action models.ActionSpec) ([]int64, error) {
	if len(action.UserApproverIDs) == 0 && len(action.UserApprovers) == 0 {
		return nil, nil
	}
	users, err := p.store.TeamUsers(ctx, project.ID, action.UserApproverIDs, action.UserApprovers)
	if err != nil {
		return nil, fmt.Errorf("resolving user approvers: %w", err)
	}
	ids := make([]int64, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids, nil
}

// resolveGroups looks up group approvers by ID or full path. The search is
// restricted to the project's root hierarchy unless the instance allows
// global group approver search.
func (p *Projector) resolveGroups(ctx context.Context, project models.Project, action models.ActionSpec) ([]int64, error) {
	if len(action.GroupApproverIDs) == 0 && len(action.GroupApprovers) == 0 {
		return nil, nil
	}

	var withinRootID int64
	if !p.globalGroupSearch {
		ns, err := p.store.NamespaceByID(ctx, project.NamespaceID)
		if err != nil {
			return nil, fmt.Errorf("resolving project namespace: %w", err)
		}
		withinRootID = ns.RootID
	}

	groups, err := p.store.Groups(ctx, action.GroupApproverIDs, action.GroupApprovers, withinRootID)
	if err != nil {
		return nil, fmt.Errorf("resolving group approvers: %w", err)
	}
	ids := make([]int64, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	return ids, nil
}

// resolveRoles splits role approvers into built-in access levels and custom
// role IDs. Role names that are neither built-in nor numeric are dropped
// with a warning.
func (p *Projector) resolveRoles(action models.ActionSpec) ([]int, []int64) {
	var levels []int
	var customIDs []int64
	for _, role := range action.RoleApprovers {
		if level, ok := builtinRoles[role]; ok {
			levels = append(levels, level)
			continue
		}
		if id, err := strconv.ParseInt(role, 10, 64); err == nil {
			customIDs = append(customIDs, id)
			continue
		}
		p.log.Warnw("unknown role approver", "role", role)
	}
	return levels, customIDs
}
