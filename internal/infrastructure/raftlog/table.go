package raftlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civita/formation/internal/domain/timer"
)

const (
	OpSchedule   = "SCHEDULE"
	OpComplete   = "COMPLETE"
	OpReschedule = "RESCHEDULE"
)

// Command is one replicated mutation of the timer table. Every timestamp is
// chosen by the proposer so that replicas apply identical state.
type Command struct {
	Op        string       `json:"op"`
	Timer     *timer.Timer `json:"timer,omitempty"`
	TimerID   uuid.UUID    `json:"timerId,omitempty"`
	FireAt    time.Time    `json:"fireAt,omitempty"`
	At        time.Time    `json:"at"`
	LastError string       `json:"lastError,omitempty"`
}

type tableSnapshot struct {
	Timers map[string]timer.Timer `json:"timers"`
	NextID int64                  `json:"nextId"`
}

// Table is the deterministic timer state every replica converges on. Timers
// are keyed by their deterministic timer id, one per (activity, kind).
type Table struct {
	mu sync.RWMutex
	s  tableSnapshot
}

func NewTable() *Table {
	return &Table{s: tableSnapshot{Timers: map[string]timer.Timer{}}}
}

// Apply mutates the table. It is called from the raft FSM only.
func (t *Table) Apply(cmd Command) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch cmd.Op {
	case OpSchedule:
		if cmd.Timer == nil {
			return fmt.Errorf("%w: schedule without timer", timer.ErrInvalidTimer)
		}
		next := *cmd.Timer
		key := next.TimerID.String()
		if prev, ok := t.s.Timers[key]; ok {
			next.ID = prev.ID
			next.CreatedAt = prev.CreatedAt
		} else {
			t.s.NextID++
			next.ID = t.s.NextID
		}
		next.Status = timer.StatusPending
		next.Attempts = 0
		next.LastError = nil
		next.FiredAt = nil
		t.s.Timers[key] = next
		return nil
	case OpComplete:
		cur, ok := t.s.Timers[cmd.TimerID.String()]
		if !ok {
			return fmt.Errorf("%w: %s", timer.ErrTimerNotFound, cmd.TimerID)
		}
		firedAt := cmd.At
		cur.Status = timer.StatusDone
		cur.FiredAt = &firedAt
		cur.UpdatedAt = cmd.At
		t.s.Timers[cmd.TimerID.String()] = cur
		return nil
	case OpReschedule:
		cur, ok := t.s.Timers[cmd.TimerID.String()]
		if !ok || cur.Status != timer.StatusPending {
			return fmt.Errorf("%w: %s", timer.ErrTimerNotFound, cmd.TimerID)
		}
		lastError := cmd.LastError
		cur.FireAt = cmd.FireAt
		cur.Attempts++
		cur.LastError = &lastError
		cur.UpdatedAt = cmd.At
		t.s.Timers[cmd.TimerID.String()] = cur
		return nil
	default:
		return fmt.Errorf("unknown timer command %q", cmd.Op)
	}
}

// Due returns pending timers with FireAt <= now ordered by fire time.
func (t *Table) Due(now time.Time, limit int) []*timer.Timer {
	return t.pending(limit, func(tm *timer.Timer) bool { return tm.Due(now) })
}

// Pending returns every pending timer ordered by fire time.
func (t *Table) Pending(limit int) []*timer.Timer {
	return t.pending(limit, func(*timer.Timer) bool { return true })
}

func (t *Table) Get(timerID uuid.UUID) (*timer.Timer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cur, ok := t.s.Timers[timerID.String()]
	if !ok {
		return nil, false
	}
	return &cur, true
}

func (t *Table) pending(limit int, keep func(*timer.Timer) bool) []*timer.Timer {
	t.mu.RLock()
	out := make([]*timer.Timer, 0)
	for _, v := range t.s.Timers {
		tm := v
		if tm.Status == timer.StatusPending && keep(&tm) {
			out = append(out, &tm)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Marshal serializes the table for a raft snapshot.
func (t *Table) Marshal() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return json.Marshal(t.s)
}

// Unmarshal replaces the table with a snapshot payload.
func (t *Table) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty snapshot")
	}
	var s tableSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.Timers == nil {
		s.Timers = map[string]timer.Timer{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s = s
	return nil
}
