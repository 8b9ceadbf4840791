package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/civita/formation/internal/domain/activity"
)

// MockRepository is a mock implementation of activity.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, a *activity.Activity, events []*activity.Event) error {
	args := m.Called(ctx, a, events)
	return args.Error(0)
}

func (m *MockRepository) GetByID(ctx context.Context, activityID uuid.UUID) (*activity.Activity, error) {
	args := m.Called(ctx, activityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*activity.Activity), args.Error(1)
}

func (m *MockRepository) Save(ctx context.Context, a *activity.Activity, events []*activity.Event) error {
	args := m.Called(ctx, a, events)
	return args.Error(0)
}

func (m *MockRepository) List(ctx context.Context, stage *activity.Stage, limit, offset int) ([]*activity.Activity, error) {
	args := m.Called(ctx, stage, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*activity.Activity), args.Error(1)
}

func (m *MockRepository) ListByStages(ctx context.Context, stages []activity.Stage) ([]*activity.Activity, error) {
	args := m.Called(ctx, stages)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*activity.Activity), args.Error(1)
}

func (m *MockRepository) ListEvents(ctx context.Context, activityID uuid.UUID, limit, offset int) ([]*activity.Event, error) {
	args := m.Called(ctx, activityID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*activity.Event), args.Error(1)
}
