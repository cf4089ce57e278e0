package api

import (
	"context"

	"github.com/maryammeda/tracker/domain"
	"github.com/maryammeda/tracker/reminder"
	"github.com/maryammeda/tracker/storage"
)

// Assignments is the cached assignment service used by handlers.
type Assignments interface {
	ListAssignments(ctx context.Context, owner string, skip, limit int) (domain.AssignmentsPage, error)
	CreateAssignment(ctx context.Context, owner string, in domain.AssignmentCreate) (domain.Assignment, error)
	UpdateAssignment(ctx context.Context, owner, id string, upd domain.AssignmentUpdate) (domain.Assignment, error)
	DeleteAssignment(ctx context.Context, owner, id string) error
	Stats() storage.CacheStats
}

// Scheduler exposes the reminder scheduler to operators.
type Scheduler interface {
	Status() reminder.Status
	RunNow(ctx context.Context) reminder.RunSummary
}

// Authenticator is implemented by types able to extract owner IDs from headers.
type Authenticator interface {
	OwnerIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate create requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, ownerID, key string) (bool, error)
	// Remove deletes a previously added key, used when the write fails.
	Remove(ctx context.Context, ownerID, key string) error
}
