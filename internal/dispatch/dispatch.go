// Package dispatch abstracts the asynchronous job queue. Reconcilers hand
// sibling-namespace work and follow-up recomputation to the dispatcher
// instead of running it inline; a worker pool external to this core drains
// the queue.
package dispatch

import (
	"context"
	"time"
)

// Job names understood by the worker entry point.
const (
	JobHierarchyRetry     = "hierarchy_reconcile_retry"
	JobProfileRetry       = "scan_profile_reconcile_retry"
	JobAnalyzerStatus     = "reevaluate_analyzer_status"
	JobFindingsSync       = "sync_merge_request_findings"
	JobUnblockFailOpen    = "unblock_fail_open_approval_rules"
	JobNotifyViolations   = "notify_policy_violations"
	JobCleanupStaleLinks  = "cleanup_stale_profile_links"
	JobPolicyConfigChange = "policy_configuration_changed"
	JobConfigSync         = "sync_policy_configuration"
)

// Job is one unit of asynchronous work.
type Job struct {
	Name  string            `json:"name"`
	Args  map[string]string `json:"args"`
	Delay time.Duration     `json:"-"`
}

// Dispatcher enqueues jobs. Implementations must be safe for concurrent use.
type Dispatcher interface {
	Enqueue(ctx context.Context, job Job) error
}
