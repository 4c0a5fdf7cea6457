// Package reconcile fans namespace-level policy and scan-profile changes
// out across a group hierarchy. Each namespace is processed under its own
// exclusive lease; lock contention on one namespace is converted into a
// delayed retry job instead of blocking or failing its siblings.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/sentinelops/policysync/internal/lock"
)

// Number of extra lock attempts when operating on a single explicit
// namespace. With no sibling to fall back to, giving up after one try
// would turn every transient contention into a requeue.
const leaseRetryWithoutTraversal = 4

// Status is the overall outcome of a reconciliation call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result aggregates every per-item error of one call. Lock contention is
// not an error here: contended namespaces are requeued and the call still
// succeeds for the namespaces that went through.
type Result struct {
	Status   Status
	Messages []string
}

func (r Result) Success() bool { return r.Status == StatusSuccess }

func resultFor(messages []string) Result {
	if len(messages) == 0 {
		return Result{Status: StatusSuccess}
	}
	return Result{Status: StatusError, Messages: messages}
}

func errorResult(format string, args ...any) Result {
	return Result{Status: StatusError, Messages: []string{fmt.Sprintf(format, args...)}}
}

// Options carries the operational knobs shared by the reconcilers.
type Options struct {
	LeaseTTL     time.Duration
	RequeueDelay time.Duration
	// BatchSize is the project page size when walking a namespace.
	BatchSize int
	// MaxProjects caps how many projects one call may delegate to the
	// underlying primitive.
	MaxProjects int
	// StrictErrors surfaces infrastructure errors immediately instead of
	// downgrading them to per-item messages.
	StrictErrors bool
}

// tryAcquire makes up to attempts acquisition attempts against the
// namespace's lease key, returning held=false once the budget is spent.
func tryAcquire(ctx context.Context, locks lock.Service, operation string, namespaceID int64, ttl time.Duration, attempts int) (lock.Lease, bool, error) {
	key := lock.Key(operation, namespaceID)
	for i := 0; i < attempts; i++ {
		lease, ok, err := locks.TryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return lease, true, nil
		}
	}
	return nil, false, nil
}

func (o Options) withDefaults() Options {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.RequeueDelay <= 0 {
		o.RequeueDelay = 10 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxProjects <= 0 {
		o.MaxProjects = 1000
	}
	return o
}
