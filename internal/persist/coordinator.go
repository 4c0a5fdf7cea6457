// Package persist applies a computed policy diff to the store.
//
// Everything runs in one transaction, in a fixed order chosen so that the
// unique index on (configuration, type, policy_index) is never violated
// mid-flight: tombstone deletions first, then a two-phase reindex of pure
// reorders through the negative index space, then creations, then updates.
package persist

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sentinelops/policysync/internal/checksum"
	"github.com/sentinelops/policysync/internal/diff"
	"github.com/sentinelops/policysync/internal/store"
	"github.com/sentinelops/policysync/models"
)

// Coordinator persists policy diffs. Failure semantics: any error aborts
// the whole transaction; the caller surfaces it and does not retry here.
type Coordinator struct {
	store store.Store
	log   *zap.SugaredLogger
}

func NewCoordinator(st store.Store, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{store: st, log: log}
}

// Apply writes the four-way diff for one configuration and policy type.
func (c *Coordinator) Apply(ctx context.Context, configurationID int64, typ models.PolicyType, result diff.Result) error {
	if result.Empty() {
		return nil
	}
	return c.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		current, err := tx.PoliciesByConfiguration(ctx, configurationID, typ)
		if err != nil {
			return fmt.Errorf("loading current policies: %w", err)
		}
		maxIndex := -1
		for _, p := range current {
			if p.PolicyIndex > maxIndex {
				maxIndex = p.PolicyIndex
			}
		}

		if err := c.markDeletions(ctx, tx, result.Deleted, maxIndex); err != nil {
			return err
		}
		if err := c.reindex(ctx, tx, result.Rearranged, result.Changes); err != nil {
			return err
		}
		if err := c.createPolicies(ctx, tx, configurationID, typ, result.New); err != nil {
			return err
		}
		return c.updatePolicies(ctx, tx, result.Changes)
	})
}

// markDeletions tombstones each deleted policy at a unique negative index
// past the current maximum, never reusing zero or a positive slot.
func (c *Coordinator) markDeletions(ctx context.Context, tx store.Store, deleted []models.SecurityPolicy, maxIndex int) error {
	for offset, policy := range deleted {
		policy.PolicyIndex = -(maxIndex + 1 + offset)
		policy.Enabled = false
		if err := tx.UpdatePolicy(ctx, policy); err != nil {
			return fmt.Errorf("tombstoning policy %q: %w", policy.Name, err)
		}
		c.log.Debugw("policy tombstoned", "policy", policy.Name, "index", policy.PolicyIndex)
	}
	return nil
}

// reindex moves every rearranged policy in two passes: all of them into
// unique negative staging slots first, then each to its final position.
// Overwriting indices directly could momentarily collide with another row
// under the uniqueness constraint; the negative staging space cannot
// overlap any positive index. Changed policies whose position moved are
// staged too: their old index stays occupied until updatePolicies runs,
// and a rearranged sibling or a created policy may need that slot first.
func (c *Coordinator) reindex(ctx context.Context, tx store.Store, rearranged []diff.Reindex, changes []diff.Change) error {
	staging := 0
	for _, entry := range rearranged {
		staged := entry.Policy
		staging++
		staged.PolicyIndex = -staging
		if err := tx.UpdatePolicy(ctx, staged); err != nil {
			return fmt.Errorf("staging policy %q for reindex: %w", staged.Name, err)
		}
	}
	for _, change := range changes {
		if change.Policy.PolicyIndex == change.Position {
			continue
		}
		staged := change.Policy
		staging++
		staged.PolicyIndex = -staging
		if err := tx.UpdatePolicy(ctx, staged); err != nil {
			return fmt.Errorf("staging policy %q for reindex: %w", staged.Name, err)
		}
	}
	for _, entry := range rearranged {
		final := entry.Policy
		final.PolicyIndex = entry.NewIndex
		if err := tx.UpdatePolicy(ctx, final); err != nil {
			return fmt.Errorf("reindexing policy %q to %d: %w", final.Name, entry.NewIndex, err)
		}
	}
	return nil
}

func (c *Coordinator) createPolicies(ctx context.Context, tx store.Store, configurationID int64, typ models.PolicyType, created []diff.NewPolicy) error {
	for _, entry := range created {
		policy := models.SecurityPolicy{
			ConfigurationID: configurationID,
			Type:            typ,
			Name:            entry.Spec.Name,
			Checksum:        entry.Checksum,
			PolicyIndex:     entry.Position,
			Enabled:         entry.Spec.Enabled,
			Content:         entry.Spec.Content(),
			Scope:           entry.Spec.ScopeOrDefault(),
		}
		if err := tx.CreatePolicy(ctx, &policy); err != nil {
			return fmt.Errorf("creating policy %q: %w", policy.Name, err)
		}
		for i, ruleSpec := range entry.Spec.Rules {
			if err := createRule(ctx, tx, policy.ID, i, ruleSpec); err != nil {
				return err
			}
		}
		c.log.Debugw("policy created", "policy", policy.Name, "index", policy.PolicyIndex, "rules", len(entry.Spec.Rules))
	}
	return nil
}

func createRule(ctx context.Context, tx store.Store, policyID int64, index int, spec models.RuleContent) error {
	sum, err := checksum.Sum(spec)
	if err != nil {
		return err
	}
	rule := models.ApprovalPolicyRule{
		PolicyID:  policyID,
		RuleIndex: index,
		Type:      spec.Type,
		Checksum:  sum,
		Content:   spec,
	}
	if err := tx.CreateRule(ctx, &rule); err != nil {
		return fmt.Errorf("creating rule %d: %w", index, err)
	}
	return nil
}

func (c *Coordinator) updatePolicies(ctx context.Context, tx store.Store, changes []diff.Change) error {
	for _, change := range changes {
		policy := change.Policy
		policy.Name = change.Spec.Name
		policy.Checksum = change.Checksum
		policy.PolicyIndex = change.Position
		policy.Enabled = change.Spec.Enabled
		policy.Content = change.Spec.Content()
		policy.Scope = change.Spec.ScopeOrDefault()
		if err := tx.UpdatePolicy(ctx, policy); err != nil {
			return fmt.Errorf("updating policy %q: %w", policy.Name, err)
		}
		if err := c.applyRulesDiff(ctx, tx, policy.ID, change.Diff.RulesDiff); err != nil {
			return fmt.Errorf("updating rules of policy %q: %w", policy.Name, err)
		}
	}
	return nil
}

// applyRulesDiff stages deleted rules at negative indices offset past the
// touched-rule count so they cannot collide with surviving indices, upserts
// updated rules in place by rule index, and appends created rules after the
// surviving set.
func (c *Coordinator) applyRulesDiff(ctx context.Context, tx store.Store, policyID int64, rulesDiff models.RulesDiff) error {
	if rulesDiff.Empty() {
		return nil
	}

	all, err := tx.RulesByPolicy(ctx, policyID)
	if err != nil {
		return err
	}
	deleted := map[int64]struct{}{}
	for _, r := range rulesDiff.Deleted {
		deleted[r.ID] = struct{}{}
	}
	// Created rules append after the highest surviving index; survivors keep
	// their indices, so appending past them cannot collide.
	nextIndex := 0
	for _, r := range all {
		if _, gone := deleted[r.ID]; gone || r.RuleIndex < 0 {
			continue
		}
		if r.RuleIndex >= nextIndex {
			nextIndex = r.RuleIndex + 1
		}
	}

	offset := len(rulesDiff.Updated) + len(rulesDiff.Deleted)
	for i, rule := range rulesDiff.Deleted {
		rule.RuleIndex = -(offset + i + 1)
		if err := tx.UpdateRule(ctx, rule); err != nil {
			return fmt.Errorf("staging rule %d for deletion: %w", rule.ID, err)
		}
	}

	for _, change := range rulesDiff.Updated {
		sum, err := checksum.Sum(change.To)
		if err != nil {
			return err
		}
		rule := change.From
		rule.Type = change.To.Type
		rule.Checksum = sum
		rule.Content = change.To
		if err := tx.UpdateRule(ctx, rule); err != nil {
			return fmt.Errorf("updating rule %d: %w", rule.ID, err)
		}
	}

	for i, spec := range rulesDiff.Created {
		if err := createRule(ctx, tx, policyID, nextIndex+i, spec); err != nil {
			return err
		}
	}
	return nil
}
