package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sentinelops/policysync/internal/audit"
	"github.com/sentinelops/policysync/internal/dispatch"
	"github.com/sentinelops/policysync/internal/lock"
	"github.com/sentinelops/policysync/internal/store"
	"github.com/sentinelops/policysync/models"
)

const opProfileAttach = "scan_profile"

// ProfileReconciler attaches and detaches scan profiles across an explicit
// project list. Unlike the hierarchy reconciler it takes a hard stance on
// batch size: a call naming more than MaxProjects projects is rejected
// whole, with no partial attach.
type ProfileReconciler struct {
	store      store.Store
	locks      lock.Service
	dispatcher dispatch.Dispatcher
	sink       audit.Sink
	opts       Options
	log        *zap.SugaredLogger
}

func NewProfileReconciler(st store.Store, locks lock.Service, dispatcher dispatch.Dispatcher, sink audit.Sink, opts Options, log *zap.SugaredLogger) *ProfileReconciler {
	return &ProfileReconciler{
		store:      st,
		locks:      locks,
		dispatcher: dispatcher,
		sink:       sink,
		opts:       opts.withDefaults(),
		log:        log,
	}
}

// Attach links the profile to every named project, holding the per-project
// cap. Already-attached projects are skipped silently: no audit entry and
// no analyzer re-evaluation for them.
func (r *ProfileReconciler) Attach(ctx context.Context, profile models.ScanProfile, projects []models.Project, actor string) Result {
	return r.run(ctx, profile, projects, actor, "attach")
}

// Detach removes the profile from every named project.
func (r *ProfileReconciler) Detach(ctx context.Context, profile models.ScanProfile, projects []models.Project, actor string) Result {
	return r.run(ctx, profile, projects, actor, "detach")
}

func (r *ProfileReconciler) run(ctx context.Context, profile models.ScanProfile, projects []models.Project, actor, action string) Result {
	if len(projects) == 0 {
		return errorResult("no projects supplied")
	}
	if len(projects) > r.opts.MaxProjects {
		return errorResult("%d projects exceeds the maximum of %d per call", len(projects), r.opts.MaxProjects)
	}

	var messages []string
	for _, group := range groupByNamespace(projects) {
		msgs, err := r.runNamespace(ctx, profile, group, actor, action)
		messages = append(messages, msgs...)
		if err != nil {
			if r.opts.StrictErrors {
				return errorResult("namespace %d: %v", group.namespaceID, err)
			}
			messages = append(messages, fmt.Sprintf("namespace %d: %v", group.namespaceID, err))
		}
	}
	return resultFor(messages)
}

type namespaceBatch struct {
	namespaceID int64
	projects    []models.Project
}

func groupByNamespace(projects []models.Project) []namespaceBatch {
	byNS := map[int64][]models.Project{}
	for _, p := range projects {
		byNS[p.NamespaceID] = append(byNS[p.NamespaceID], p)
	}
	batches := make([]namespaceBatch, 0, len(byNS))
	for id, ps := range byNS {
		batches = append(batches, namespaceBatch{namespaceID: id, projects: ps})
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].namespaceID < batches[j].namespaceID })
	return batches
}

func (r *ProfileReconciler) runNamespace(ctx context.Context, profile models.ScanProfile, batch namespaceBatch, actor, action string) ([]string, error) {
	lease, ok, err := tryAcquire(ctx, r.locks, opProfileAttach, batch.namespaceID, r.opts.LeaseTTL, leaseRetryWithoutTraversal+1)
	if err != nil {
		return nil, fmt.Errorf("acquiring lease: %w", err)
	}
	if !ok {
		if err := r.requeue(ctx, profile, batch, actor, action); err != nil {
			return nil, fmt.Errorf("requeueing after lock contention: %w", err)
		}
		r.log.Infow("namespace lease contended, retry scheduled",
			"namespace", batch.namespaceID, "profile", profile.Name, "action", action)
		return nil, nil
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			r.log.Warnw("releasing namespace lease", "namespace", batch.namespaceID, "error", err)
		}
	}()

	var messages []string
	for _, project := range batch.projects {
		changed, err := r.applyProject(ctx, profile, project, action)
		if err != nil {
			if errors.Is(err, store.ErrLimitReached) {
				messages = append(messages, fmt.Sprintf(
					"project %s has reached the maximum limit of %d scan profiles",
					project.FullPath, models.MaxProfilesPerProject))
				continue
			}
			messages = append(messages, fmt.Sprintf("project %s: %v", project.FullPath, err))
			continue
		}
		if !changed {
			continue
		}
		r.recordAudit(ctx, profile, project, actor, action)
		if err := r.dispatcher.Enqueue(ctx, dispatch.Job{
			Name: dispatch.JobAnalyzerStatus,
			Args: map[string]string{"project_id": strconv.FormatInt(project.ID, 10)},
		}); err != nil {
			return messages, fmt.Errorf("enqueueing analyzer re-evaluation: %w", err)
		}
	}
	return messages, nil
}

func (r *ProfileReconciler) applyProject(ctx context.Context, profile models.ScanProfile, project models.Project, action string) (bool, error) {
	if action == "detach" {
		return r.store.DetachProfile(ctx, profile.ID, project.ID)
	}
	return r.store.AttachProfile(ctx, profile.ID, project.ID, models.MaxProfilesPerProject)
}

func (r *ProfileReconciler) requeue(ctx context.Context, profile models.ScanProfile, batch namespaceBatch, actor, action string) error {
	ids := make([]string, len(batch.projects))
	for i, p := range batch.projects {
		ids[i] = strconv.FormatInt(p.ID, 10)
	}
	return r.dispatcher.Enqueue(ctx, dispatch.Job{
		Name: dispatch.JobProfileRetry,
		Args: map[string]string{
			"profile_id":  strconv.FormatInt(profile.ID, 10),
			"project_ids": strings.Join(ids, ","),
			"actor":       actor,
			"action":      action,
		},
		Delay: r.opts.RequeueDelay,
	})
}

func (r *ProfileReconciler) recordAudit(ctx context.Context, profile models.ScanProfile, project models.Project, actor, action string) {
	name := "scan_profile_attached"
	message := fmt.Sprintf("Attached scan profile %q to project %s", profile.Name, project.FullPath)
	if action == "detach" {
		name = "scan_profile_detached"
		message = fmt.Sprintf("Detached scan profile %q from project %s", profile.Name, project.FullPath)
	}
	if err := r.sink.Record(ctx, audit.Event{
		Name:       name,
		Author:     actor,
		ProjectID:  project.ID,
		EntityType: "scan_profile",
		EntityID:   profile.ID,
		Message:    message,
	}); err != nil {
		r.log.Warnw("recording audit event", "project", project.FullPath, "error", err)
	}
}
