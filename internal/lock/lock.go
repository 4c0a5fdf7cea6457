// Package lock provides the namespace-scoped exclusive lease used to
// serialize reconciliation work. Keys are scoped per operation domain, so
// policy linking and scan-profile reconciliation of the same namespace can
// proceed concurrently while two workers of the same kind cannot.
package lock

import (
	"context"
	"fmt"
	"time"
)

// Lease is a held lock. Release must be called on every exit path.
type Lease interface {
	Release(ctx context.Context) error
}

// Service is a best-effort mutual-exclusion primitive. TryAcquire returns
// immediately: (lease, true) on success, (nil, false) when the key is held
// elsewhere.
type Service interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)
}

// Key builds the lease key for one operation domain and namespace.
func Key(operation string, namespaceID int64) string {
	return fmt.Sprintf("policysync:%s:%d", operation, namespaceID)
}
