package reconcile

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/sentinelops/policysync/internal/audit"
	"github.com/sentinelops/policysync/internal/dispatch"
	"github.com/sentinelops/policysync/internal/linkage"
	"github.com/sentinelops/policysync/internal/lock"
	"github.com/sentinelops/policysync/internal/store"
	"github.com/sentinelops/policysync/models"
)

const opPolicyLink = "policy_link"

// LinkSyncer is the slice of the linkage manager the hierarchy reconciler
// drives per project.
type LinkSyncer interface {
	Sync(ctx context.Context, policy models.SecurityPolicy, project models.Project) (linkage.Transition, error)
}

// HierarchyReconciler applies one policy's linkage across a group subtree.
type HierarchyReconciler struct {
	store      store.Store
	locks      lock.Service
	dispatcher dispatch.Dispatcher
	sink       audit.Sink
	links      LinkSyncer
	opts       Options
	log        *zap.SugaredLogger
}

func NewHierarchyReconciler(st store.Store, locks lock.Service, dispatcher dispatch.Dispatcher, sink audit.Sink, links LinkSyncer, opts Options, log *zap.SugaredLogger) *HierarchyReconciler {
	return &HierarchyReconciler{
		store:      st,
		locks:      locks,
		dispatcher: dispatcher,
		sink:       sink,
		links:      links,
		opts:       opts.withDefaults(),
		log:        log,
	}
}

// Execute links or unlinks the policy across the group's hierarchy. With
// traverse set, the group and every descendant subgroup are processed, each
// under its own lease; otherwise only the named group is touched.
//
// resumeAfter is a project ID cursor for the named group: projects at or
// below it are skipped, so a retry job continues where the ceiling cut the
// previous run off. Descendant groups always start from the beginning.
//
// The returned result aggregates per-project errors. Namespaces whose lease
// could not be acquired are requeued as retry jobs and do not count as
// errors.
func (r *HierarchyReconciler) Execute(ctx context.Context, group models.Namespace, policy models.SecurityPolicy, actor string, traverse bool, resumeAfter int64) Result {
	owner, err := r.store.NamespaceByID(ctx, policy.ConfigurationID)
	if err != nil {
		return errorResult("resolving owner of policy %q: %v", policy.Name, err)
	}
	if !owner.SameHierarchy(group) {
		return errorResult("policy %q does not belong to the %s hierarchy", policy.Name, group.FullPath)
	}

	namespaces := []models.Namespace{group}
	if traverse {
		descendants, err := r.store.DescendantGroups(ctx, group.ID)
		if err != nil {
			return errorResult("walking subgroups of %s: %v", group.FullPath, err)
		}
		namespaces = append(namespaces, descendants...)
	}

	// One retry per namespace while traversing: siblings are still ahead,
	// so fail fast and requeue. A single explicit namespace gets the full
	// retry budget.
	attempts := 2
	if !traverse {
		attempts = leaseRetryWithoutTraversal + 1
	}

	var messages []string
	for i, ns := range namespaces {
		cursor := int64(0)
		if i == 0 {
			cursor = resumeAfter
		}
		msgs, err := r.reconcileNamespace(ctx, ns, policy, actor, attempts, cursor)
		messages = append(messages, msgs...)
		if err != nil {
			if r.opts.StrictErrors {
				return errorResult("namespace %s: %v", ns.FullPath, err)
			}
			messages = append(messages, fmt.Sprintf("namespace %s: %v", ns.FullPath, err))
		}
	}
	return resultFor(messages)
}

// reconcileNamespace processes one namespace under its lease. The returned
// messages are per-project domain errors; the error return is reserved for
// infrastructure failures that aborted the namespace.
func (r *HierarchyReconciler) reconcileNamespace(ctx context.Context, ns models.Namespace, policy models.SecurityPolicy, actor string, attempts int, startAfter int64) ([]string, error) {
	lease, ok, err := tryAcquire(ctx, r.locks, opPolicyLink, ns.ID, r.opts.LeaseTTL, attempts)
	if err != nil {
		return nil, fmt.Errorf("acquiring lease: %w", err)
	}
	if !ok {
		if err := r.requeue(ctx, ns, policy, actor, startAfter); err != nil {
			return nil, fmt.Errorf("requeueing after lock contention: %w", err)
		}
		r.log.Infow("namespace lease contended, retry scheduled", "namespace", ns.FullPath, "policy", policy.Name)
		return nil, nil
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			r.log.Warnw("releasing namespace lease", "namespace", ns.FullPath, "error", err)
		}
	}()

	var (
		messages  []string
		processed int
		afterID   = startAfter
		lastID    = startAfter
	)
	for {
		projects, err := r.store.ProjectsByNamespace(ctx, ns.ID, afterID, r.opts.BatchSize)
		if err != nil {
			return messages, fmt.Errorf("paging projects: %w", err)
		}
		for _, project := range projects {
			if processed >= r.opts.MaxProjects {
				// Ceiling reached; hand the rest of the namespace to a
				// follow-up job that resumes past the last processed
				// project instead of overrunning the lease.
				if err := r.requeue(ctx, ns, policy, actor, lastID); err != nil {
					return messages, fmt.Errorf("requeueing remainder: %w", err)
				}
				return messages, nil
			}
			processed++
			lastID = project.ID

			transition, err := r.links.Sync(ctx, policy, project)
			if err != nil {
				messages = append(messages, fmt.Sprintf("project %s: %v", project.FullPath, err))
				continue
			}
			if transition == linkage.TransitionNone {
				continue
			}
			r.recordAudit(ctx, project, policy, actor, transition)
		}
		if len(projects) < r.opts.BatchSize {
			return messages, nil
		}
		afterID = projects[len(projects)-1].ID
	}
}

func (r *HierarchyReconciler) requeue(ctx context.Context, ns models.Namespace, policy models.SecurityPolicy, actor string, afterID int64) error {
	return r.dispatcher.Enqueue(ctx, dispatch.Job{
		Name: dispatch.JobHierarchyRetry,
		Args: map[string]string{
			"namespace_id": strconv.FormatInt(ns.ID, 10),
			"policy_id":    strconv.FormatInt(policy.ID, 10),
			"actor":        actor,
			"after_id":     strconv.FormatInt(afterID, 10),
		},
		Delay: r.opts.RequeueDelay,
	})
}

func (r *HierarchyReconciler) recordAudit(ctx context.Context, project models.Project, policy models.SecurityPolicy, actor string, transition linkage.Transition) {
	name := "policy_linked"
	message := fmt.Sprintf("Linked security policy %q to project %s", policy.Name, project.FullPath)
	if transition == linkage.TransitionUnlinked {
		name = "policy_unlinked"
		message = fmt.Sprintf("Unlinked security policy %q from project %s", policy.Name, project.FullPath)
	}
	if err := r.sink.Record(ctx, audit.Event{
		Name:       name,
		Author:     actor,
		ProjectID:  project.ID,
		EntityType: "security_policy",
		EntityID:   policy.ID,
		Message:    message,
	}); err != nil {
		r.log.Warnw("recording audit event", "project", project.FullPath, "error", err)
	}
}
