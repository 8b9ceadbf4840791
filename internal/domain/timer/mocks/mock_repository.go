package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/civita/formation/internal/domain/timer"
)

// MockRepository is a mock implementation of timer.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Schedule(ctx context.Context, t *timer.Timer) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

func (m *MockRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*timer.Timer, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*timer.Timer), args.Error(1)
}

func (m *MockRepository) ListPending(ctx context.Context, limit int) ([]*timer.Timer, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*timer.Timer), args.Error(1)
}

func (m *MockRepository) Get(ctx context.Context, timerID uuid.UUID) (*timer.Timer, error) {
	args := m.Called(ctx, timerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*timer.Timer), args.Error(1)
}

func (m *MockRepository) Complete(ctx context.Context, timerID uuid.UUID, firedAt time.Time) error {
	args := m.Called(ctx, timerID, firedAt)
	return args.Error(0)
}

func (m *MockRepository) Reschedule(ctx context.Context, timerID uuid.UUID, fireAt time.Time, lastError string, at time.Time) error {
	args := m.Called(ctx, timerID, fireAt, lastError, at)
	return args.Error(0)
}
