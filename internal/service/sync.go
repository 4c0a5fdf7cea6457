// Package service exposes the inbound operations of the reconciliation
// engine: full configuration sync plus manual per-project link management.
package service

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/sentinelops/policysync/internal/diff"
	"github.com/sentinelops/policysync/internal/dispatch"
	"github.com/sentinelops/policysync/internal/linkage"
	"github.com/sentinelops/policysync/internal/persist"
	"github.com/sentinelops/policysync/internal/store"
	"github.com/sentinelops/policysync/models"
)

// SyncService reconciles one policy configuration's declared YAML state
// against the persisted policy rows and fans the outcome out to linked
// projects.
type SyncService interface {
	Sync(ctx context.Context, configurationID int64, typ models.PolicyType, specs []models.PolicySpec) error
}

type syncService struct {
	store       store.Store
	engine      *diff.Engine
	coordinator *persist.Coordinator
	links       *linkage.Manager
	dispatcher  dispatch.Dispatcher
	log         *zap.SugaredLogger
}

func NewSyncService(st store.Store, engine *diff.Engine, coordinator *persist.Coordinator, links *linkage.Manager, dispatcher dispatch.Dispatcher, log *zap.SugaredLogger) SyncService {
	return &syncService{
		store:       st,
		engine:      engine,
		coordinator: coordinator,
		links:       links,
		dispatcher:  dispatcher,
		log:         log,
	}
}

// Sync diffs the declared specs against the persisted policies of the same
// type, applies the resulting mutations in one transaction, then propagates
// per-policy diffs to every already-linked project. Newly created policies
// are not linked inline: a hierarchy reconciliation job is enqueued so
// linking happens under the namespace lease.
func (s *syncService) Sync(ctx context.Context, configurationID int64, typ models.PolicyType, specs []models.PolicySpec) error {
	persisted, err := s.store.PoliciesByConfiguration(ctx, configurationID, typ)
	if err != nil {
		return fmt.Errorf("loading persisted policies: %w", err)
	}

	rulesByPolicy := map[int64][]models.ApprovalPolicyRule{}
	if typ == models.PolicyTypeApproval {
		for _, policy := range persisted {
			rules, err := s.store.RulesByPolicy(ctx, policy.ID)
			if err != nil {
				return fmt.Errorf("loading rules of policy %q: %w", policy.Name, err)
			}
			rulesByPolicy[policy.ID] = rules
		}
	}

	result, err := s.engine.Compare(specs, persisted, rulesByPolicy)
	if err != nil {
		return fmt.Errorf("diffing configuration %d: %w", configurationID, err)
	}
	if result.Empty() {
		s.log.Debugw("configuration already in sync", "configuration", configurationID, "type", typ)
		return nil
	}

	if err := s.coordinator.Apply(ctx, configurationID, typ, result); err != nil {
		return fmt.Errorf("persisting configuration %d: %w", configurationID, err)
	}

	for _, deleted := range result.Deleted {
		if err := s.unlinkEverywhere(ctx, deleted); err != nil {
			return err
		}
	}
	for _, change := range result.Changes {
		if err := s.propagateChange(ctx, change); err != nil {
			return err
		}
	}
	for _, entry := range result.Rearranged {
		if err := s.propagateReindex(ctx, entry.Policy); err != nil {
			return err
		}
	}
	if len(result.New) > 0 {
		if err := s.dispatcher.Enqueue(ctx, dispatch.Job{
			Name: dispatch.JobPolicyConfigChange,
			Args: map[string]string{
				"configuration_id": strconv.FormatInt(configurationID, 10),
				"policy_type":      string(typ),
			},
		}); err != nil {
			return fmt.Errorf("enqueueing hierarchy reconciliation: %w", err)
		}
	}

	s.log.Infow("configuration synced",
		"configuration", configurationID, "type", typ,
		"created", len(result.New), "deleted", len(result.Deleted),
		"changed", len(result.Changes), "rearranged", len(result.Rearranged))
	return nil
}

// unlinkEverywhere drives the linkage state machine for a tombstoned
// policy: the negative index makes every project's desired state "not
// linked", which tears down the materialized rules as a side effect.
func (s *syncService) unlinkEverywhere(ctx context.Context, policy models.SecurityPolicy) error {
	current, err := s.store.PolicyByID(ctx, policy.ID)
	if err != nil {
		return fmt.Errorf("reloading policy %q: %w", policy.Name, err)
	}
	projects, err := s.store.ProjectsLinkedToPolicy(ctx, policy.ID)
	if err != nil {
		return fmt.Errorf("loading projects of policy %q: %w", policy.Name, err)
	}
	for _, project := range projects {
		if _, err := s.links.Sync(ctx, current, project); err != nil {
			return fmt.Errorf("unlinking policy %q from %s: %w", policy.Name, project.FullPath, err)
		}
	}
	return nil
}

// propagateReindex refreshes the denormalized policy index on every linked
// project of a policy whose position moved without a content change.
func (s *syncService) propagateReindex(ctx context.Context, policy models.SecurityPolicy) error {
	current, err := s.store.PolicyByID(ctx, policy.ID)
	if err != nil {
		return fmt.Errorf("reloading policy %q: %w", policy.Name, err)
	}
	projects, err := s.store.ProjectsLinkedToPolicy(ctx, policy.ID)
	if err != nil {
		return fmt.Errorf("loading projects of policy %q: %w", policy.Name, err)
	}
	for _, project := range projects {
		if err := s.links.HandleReindex(ctx, current, project); err != nil {
			return fmt.Errorf("reindexing policy %q on %s: %w", policy.Name, project.FullPath, err)
		}
	}
	return nil
}

func (s *syncService) propagateChange(ctx context.Context, change diff.Change) error {
	current, err := s.store.PolicyByID(ctx, change.Policy.ID)
	if err != nil {
		return fmt.Errorf("reloading policy %q: %w", change.Policy.Name, err)
	}
	projects, err := s.store.ProjectsLinkedToPolicy(ctx, change.Policy.ID)
	if err != nil {
		return fmt.Errorf("loading projects of policy %q: %w", change.Policy.Name, err)
	}
	for _, project := range projects {
		if err := s.links.HandlePolicyDiff(ctx, current, project, change.Diff); err != nil {
			return fmt.Errorf("propagating policy %q to %s: %w", change.Policy.Name, project.FullPath, err)
		}
	}
	return nil
}
