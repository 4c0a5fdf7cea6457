package reconcile

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/sentinelops/policysync/internal/audit"
	"github.com/sentinelops/policysync/internal/dispatch"
	"github.com/sentinelops/policysync/internal/lock"
	"github.com/sentinelops/policysync/internal/store"
	"github.com/sentinelops/policysync/models"
)

// StaleLinkCleaner garbage-collects scan-profile attachments left dangling
// when a project moves to a different hierarchy: any attachment whose
// profile is owned outside the project's root namespace gets removed.
type StaleLinkCleaner struct {
	store      store.Store
	locks      lock.Service
	dispatcher dispatch.Dispatcher
	sink       audit.Sink
	opts       Options
	log        *zap.SugaredLogger
}

func NewStaleLinkCleaner(st store.Store, locks lock.Service, dispatcher dispatch.Dispatcher, sink audit.Sink, opts Options, log *zap.SugaredLogger) *StaleLinkCleaner {
	return &StaleLinkCleaner{
		store:      st,
		locks:      locks,
		dispatcher: dispatcher,
		sink:       sink,
		opts:       opts.withDefaults(),
		log:        log,
	}
}

// Run sweeps one namespace's projects. The sweep takes the same lease as
// attach and detach, so it never races a concurrent reconciliation of the
// same namespace; on contention it requeues itself and reports success.
func (c *StaleLinkCleaner) Run(ctx context.Context, ns models.Namespace) Result {
	lease, ok, err := tryAcquire(ctx, c.locks, opProfileAttach, ns.ID, c.opts.LeaseTTL, 1)
	if err != nil {
		return errorResult("acquiring lease for %s: %v", ns.FullPath, err)
	}
	if !ok {
		if err := c.dispatcher.Enqueue(ctx, dispatch.Job{
			Name:  dispatch.JobCleanupStaleLinks,
			Args:  map[string]string{"namespace_id": strconv.FormatInt(ns.ID, 10)},
			Delay: c.opts.RequeueDelay,
		}); err != nil {
			return errorResult("requeueing sweep of %s: %v", ns.FullPath, err)
		}
		c.log.Infow("namespace lease contended, sweep rescheduled", "namespace", ns.FullPath)
		return Result{Status: StatusSuccess}
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			c.log.Warnw("releasing namespace lease", "namespace", ns.FullPath, "error", err)
		}
	}()

	var (
		messages []string
		afterID  int64
	)
	for {
		projects, err := c.store.ProjectsByNamespace(ctx, ns.ID, afterID, c.opts.BatchSize)
		if err != nil {
			return errorResult("paging projects of %s: %v", ns.FullPath, err)
		}
		for _, project := range projects {
			if err := c.sweepProject(ctx, ns, project); err != nil {
				messages = append(messages, fmt.Sprintf("project %s: %v", project.FullPath, err))
			}
		}
		if len(projects) < c.opts.BatchSize {
			return resultFor(messages)
		}
		afterID = projects[len(projects)-1].ID
	}
}

func (c *StaleLinkCleaner) sweepProject(ctx context.Context, ns models.Namespace, project models.Project) error {
	attachments, err := c.store.AttachmentsForProject(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("loading attachments: %w", err)
	}
	for _, attachment := range attachments {
		profile, err := c.store.ProfileByID(ctx, attachment.ScanProfileID)
		if err != nil {
			return fmt.Errorf("loading profile %d: %w", attachment.ScanProfileID, err)
		}
		owner, err := c.store.NamespaceByID(ctx, profile.NamespaceID)
		if err != nil {
			return fmt.Errorf("resolving owner of profile %q: %w", profile.Name, err)
		}
		if owner.SameHierarchy(ns) {
			continue
		}
		if _, err := c.store.DetachProfile(ctx, profile.ID, project.ID); err != nil {
			return fmt.Errorf("detaching stale profile %q: %w", profile.Name, err)
		}
		c.log.Infow("stale profile attachment removed",
			"project", project.FullPath, "profile", profile.Name, "owner", owner.FullPath)
		if err := c.sink.Record(ctx, audit.Event{
			Name:       "scan_profile_detached",
			Author:     "policysync",
			ProjectID:  project.ID,
			EntityType: "scan_profile",
			EntityID:   profile.ID,
			Message:    fmt.Sprintf("Removed stale attachment of scan profile %q owned by %s", profile.Name, owner.FullPath),
		}); err != nil {
			c.log.Warnw("recording audit event", "project", project.FullPath, "error", err)
		}
	}
	return nil
}
