package store

import (
	"fmt"
)

// Resource type for Redis keys
type Resource string

const (
	ResourceAgent Resource = "agents"
	ResourceJob   Resource = "jobs"
)

// Key constructs a fully qualified Redis key for a resource.
// Format: backforge:{resource}:{id}
func Key(resource Resource, id string) string {
	return fmt.Sprintf("backforge:%s:%s", resource, id)
}

// IndexKey is the sorted set (jobs) or set (agents) listing every id of a
// resource. Format: backforge:{resource}
func IndexKey(resource Resource) string {
	return fmt.Sprintf("backforge:%s", resource)
}

// ManagerJobsKey is the sorted set of job ids of one backup manager,
// scored by start time.
// Format: backforge:managers:{backupManagerID}:jobs
func ManagerJobsKey(backupManagerID string) string {
	return fmt.Sprintf("backforge:managers:%s:%s", backupManagerID, ResourceJob)
}
