package raftlog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/civita/formation/internal/domain/timer"
)

// TimerRepository implements timer.Repository on the replicated table.
// Writes go through the leader; reads are served from the local replica.
type TimerRepository struct {
	node *Node
}

func NewTimerRepository(node *Node) *TimerRepository {
	return &TimerRepository{node: node}
}

func (r *TimerRepository) Schedule(ctx context.Context, t *timer.Timer) error {
	copied := *t
	return r.node.Apply(ctx, Command{Op: OpSchedule, Timer: &copied, At: t.UpdatedAt})
}

func (r *TimerRepository) ListDue(_ context.Context, now time.Time, limit int) ([]*timer.Timer, error) {
	return r.node.Table().Due(now, limit), nil
}

func (r *TimerRepository) ListPending(_ context.Context, limit int) ([]*timer.Timer, error) {
	return r.node.Table().Pending(limit), nil
}

func (r *TimerRepository) Get(_ context.Context, timerID uuid.UUID) (*timer.Timer, error) {
	t, ok := r.node.Table().Get(timerID)
	if !ok {
		return nil, nil
	}
	return t, nil
}

func (r *TimerRepository) Complete(ctx context.Context, timerID uuid.UUID, firedAt time.Time) error {
	return r.node.Apply(ctx, Command{Op: OpComplete, TimerID: timerID, At: firedAt})
}

func (r *TimerRepository) Reschedule(ctx context.Context, timerID uuid.UUID, fireAt time.Time, lastError string, at time.Time) error {
	return r.node.Apply(ctx, Command{
		Op:        OpReschedule,
		TimerID:   timerID,
		FireAt:    fireAt,
		At:        at.UTC(),
		LastError: lastError,
	})
}
