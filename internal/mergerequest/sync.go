// Package mergerequest re-applies a project's materialized approval rules
// onto its currently open merge requests.
package mergerequest

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/sentinelops/policysync/internal/dispatch"
	"github.com/sentinelops/policysync/internal/store"
	"github.com/sentinelops/policysync/models"
)

// Service propagates project rule changes to open merge requests and
// schedules the asynchronous finding/violation recomputation.
type Service struct {
	store      store.Store
	dispatcher dispatch.Dispatcher
	log        *zap.SugaredLogger
}

func NewService(st store.Store, dispatcher dispatch.Dispatcher, log *zap.SugaredLogger) *Service {
	return &Service{store: st, dispatcher: dispatcher, log: log}
}

// SyncProjectRules rewrites each open merge request's policy-derived rules
// from the current project rule set.
//
// Follow-up jobs are enqueued sparingly: findings sync only when the merge
// request actually carries report-type or any-merge-request rules, and the
// fail-open unblock job instead of findings sync when there is no head
// pipeline to evaluate against. The violation notification job always runs
// so notification state stays current even when nothing changed.
func (s *Service) SyncProjectRules(ctx context.Context, project models.Project, policy models.SecurityPolicy) error {
	policyRules, err := s.store.RulesByPolicy(ctx, policy.ID)
	if err != nil {
		return fmt.Errorf("loading rules of policy %q: %w", policy.Name, err)
	}
	ownedRuleIDs := map[int64]struct{}{}
	for _, rule := range policyRules {
		ownedRuleIDs[rule.ID] = struct{}{}
	}

	projectRules, err := s.store.ProjectRulesByProject(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("loading project rules: %w", err)
	}
	var owned []models.ProjectApprovalRule
	for _, rule := range projectRules {
		if _, ok := ownedRuleIDs[rule.ApprovalPolicyRuleID]; ok {
			owned = append(owned, rule)
		}
	}

	mrs, err := s.store.OpenMergeRequests(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("loading open merge requests: %w", err)
	}

	for _, mr := range mrs {
		if err := s.syncMergeRequest(ctx, mr, policy, owned); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) syncMergeRequest(ctx context.Context, mr models.MergeRequest, policy models.SecurityPolicy, rules []models.ProjectApprovalRule) error {
	if err := s.store.DeleteMergeRequestRulesForPolicy(ctx, mr.ID, policy.ID); err != nil {
		return fmt.Errorf("clearing rules of merge request %d: %w", mr.ID, err)
	}

	needsEvaluation := false
	for _, rule := range rules {
		mrRule := models.MergeRequestApprovalRule{
			MergeRequestID:       mr.ID,
			ProjectRuleID:        rule.ID,
			ApprovalPolicyRuleID: rule.ApprovalPolicyRuleID,
			Name:                 rule.Name,
			ReportType:           rule.ReportType,
			ApprovalsRequired:    rule.ApprovalsRequired,
			UserIDs:              rule.UserIDs,
			GroupIDs:             rule.GroupIDs,
		}
		if err := s.store.CreateMergeRequestRule(ctx, &mrRule); err != nil {
			return fmt.Errorf("creating rule on merge request %d: %w", mr.ID, err)
		}

		switch rule.ReportType {
		case models.RuleTypeScanFinding, models.RuleTypeLicenseFinding, models.RuleTypeAnyMergeRequest:
			needsEvaluation = true
		}
	}

	if needsEvaluation {
		job := dispatch.Job{
			Name: dispatch.JobFindingsSync,
			Args: mrArgs(mr),
		}
		if !mr.HasHeadPipeline {
			// Nothing to sync findings from yet; unblock fail-open rules
			// instead.
			job.Name = dispatch.JobUnblockFailOpen
		}
		if err := s.dispatcher.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueueing %s for merge request %d: %w", job.Name, mr.ID, err)
		}
	}

	if err := s.dispatcher.Enqueue(ctx, dispatch.Job{
		Name: dispatch.JobNotifyViolations,
		Args: mrArgs(mr),
	}); err != nil {
		return fmt.Errorf("enqueueing violation notification for merge request %d: %w", mr.ID, err)
	}

	s.log.Debugw("merge request rules synced", "merge_request", mr.ID, "rules", len(rules))
	return nil
}

func mrArgs(mr models.MergeRequest) map[string]string {
	return map[string]string{
		"merge_request_id": strconv.FormatInt(mr.ID, 10),
		"project_id":       strconv.FormatInt(mr.ProjectID, 10),
	}
}
