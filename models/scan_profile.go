package models

// MaxProfilesPerProject caps how many scan profiles a single project may
// have attached at once. Enforced atomically at insert time.
const MaxProfilesPerProject = 3

// ScanProfile is a named, reusable scan configuration owned by a namespace
// and attached directly to projects, not via policy rules.
type ScanProfile struct {
	ID          int64
	NamespaceID int64
	Name        string
	Description string
}

// ScanProfileProject is the many-to-many attachment of a profile to a
// project. Rows are created and destroyed by the attach/detach reconcilers,
// never updated in place.
type ScanProfileProject struct {
	ScanProfileID int64
	ProjectID     int64
}
