package activity

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_publisher.go -package=mocks . Publisher

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines activity persistence. GetByID returns nil, nil when the
// activity does not exist. Create and Save write the activity, its roster and
// the given events atomically. Save fails with ErrConcurrentUpdate when the
// stored version differs from a.Version and bumps a.Version on success.
type Repository interface {
	Create(ctx context.Context, a *Activity, events []*Event) error
	GetByID(ctx context.Context, activityID uuid.UUID) (*Activity, error)
	Save(ctx context.Context, a *Activity, events []*Event) error
	List(ctx context.Context, stage *Stage, limit, offset int) ([]*Activity, error)
	ListByStages(ctx context.Context, stages []Stage) ([]*Activity, error)
	ListEvents(ctx context.Context, activityID uuid.UUID, limit, offset int) ([]*Event, error)
}

// Publisher fans timeline events out to subscribers.
type Publisher interface {
	Publish(event *Event)
}
