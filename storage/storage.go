package storage

import (
	"context"

	"cloud.google.com/go/civil"

	"github.com/maryammeda/tracker/domain"
)

// Backend is the system of record for assignments. An empty owner means the
// operation is not scoped to a single owner.
type Backend interface {
	CountAssignments(ctx context.Context, owner string) (int, error)
	// ListAssignments returns a page ordered by due date ascending, ties in
	// insertion order.
	ListAssignments(ctx context.Context, owner string, skip, limit int) ([]domain.Assignment, error)
	// GetAssignment returns nil, nil when id does not exist.
	GetAssignment(ctx context.Context, id string) (*domain.Assignment, error)
	InsertAssignment(ctx context.Context, a domain.Assignment) error
	UpdateAssignment(ctx context.Context, current domain.Assignment, upd domain.AssignmentUpdate) (domain.Assignment, error)
	DeleteAssignment(ctx context.Context, a domain.Assignment) error
	// PendingDueOn returns every incomplete assignment due on day, across all owners.
	PendingDueOn(ctx context.Context, day civil.Date) ([]domain.Assignment, error)
}
