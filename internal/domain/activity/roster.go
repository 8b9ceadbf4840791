package activity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Participant identifies a caller asking to join. Attributes come from the
// identity provider and feed visibility policies.
type Participant struct {
	ParticipantID string
	DisplayName   string
	Attributes    map[string]interface{}
}

// ParticipantEntry is one roster member.
type ParticipantEntry struct {
	ParticipantID string     `json:"participantId"`
	DisplayName   string     `json:"displayName"`
	JoinedAt      time.Time  `json:"joinedAt"`
	Paid          bool       `json:"paid"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
	ReceiptID     *string    `json:"receiptId,omitempty"`
}

// Roster is the ordered participant set of one activity.
type Roster struct {
	entries []*ParticipantEntry
	index   map[string]int
}

func NewRoster() *Roster {
	return &Roster{index: map[string]int{}}
}

// RestoreRoster rebuilds a roster from persisted entries in join order.
func RestoreRoster(entries []*ParticipantEntry) *Roster {
	r := NewRoster()
	for _, e := range entries {
		r.index[e.ParticipantID] = len(r.entries)
		r.entries = append(r.entries, e)
	}
	return r
}

// Join admits p when the activity accepts joins, has room, does not already
// list p, and the catalog allowed the caller.
func (a *Activity) Join(p Participant, allowed bool, at time.Time) (*ParticipantEntry, error) {
	id := strings.TrimSpace(p.ParticipantID)
	if id == "" {
		return nil, fmt.Errorf("%w: participant_id is required", ErrInvalidActivity)
	}
	if !a.AcceptsJoins() {
		return nil, fmt.Errorf("%w: joins are closed in stage %s", ErrInvalidStageTransition, a.Stage)
	}
	if a.Roster.Has(id) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateParticipant, id)
	}
	if a.Roster.Count() >= a.MaxParticipants {
		return nil, fmt.Errorf("%w: roster is full (%d/%d)", ErrCapacityExceeded, a.Roster.Count(), a.MaxParticipants)
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s", ErrVisibilityDenied, id)
	}
	name := strings.TrimSpace(p.DisplayName)
	if name == "" {
		name = id
	}
	entry := &ParticipantEntry{
		ParticipantID: id,
		DisplayName:   name,
		JoinedAt:      at,
	}
	a.Roster.add(entry)
	a.UpdatedAt = at
	return entry, nil
}

// Leave removes a participant voluntarily; only allowed while Open.
func (a *Activity) Leave(participantID string, at time.Time) error {
	if a.Stage != StageOpen {
		return fmt.Errorf("%w: leaving is only allowed while %s", ErrInvalidStageTransition, StageOpen)
	}
	if !a.Roster.Remove(participantID) {
		return fmt.Errorf("%w: %s", ErrNotAParticipant, participantID)
	}
	a.UpdatedAt = at
	return nil
}

func (r *Roster) add(e *ParticipantEntry) {
	r.index[e.ParticipantID] = len(r.entries)
	r.entries = append(r.entries, e)
}

// Remove deletes a participant and reports whether it was present.
func (r *Roster) Remove(participantID string) bool {
	idx, ok := r.index[participantID]
	if !ok {
		return false
	}
	r.entries = append(r.entries[:idx], r.entries[idx+1:]...)
	delete(r.index, participantID)
	for i := idx; i < len(r.entries); i++ {
		r.index[r.entries[i].ParticipantID] = i
	}
	return true
}

func (r *Roster) Has(participantID string) bool {
	_, ok := r.index[participantID]
	return ok
}

func (r *Roster) Get(participantID string) *ParticipantEntry {
	if idx, ok := r.index[participantID]; ok {
		return r.entries[idx]
	}
	return nil
}

func (r *Roster) Count() int {
	return len(r.entries)
}

// PaidCount delegates to the ledger view.
func (r *Roster) PaidCount() int {
	return len(NewLedger(r).PaidParticipants())
}

// Entries returns the members in join order.
func (r *Roster) Entries() []*ParticipantEntry {
	out := make([]*ParticipantEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// IDs returns participant ids in join order.
func (r *Roster) IDs() []string {
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.ParticipantID)
	}
	return out
}

func (r *Roster) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	entries := r.entries
	if entries == nil {
		entries = []*ParticipantEntry{}
	}
	return json.Marshal(entries)
}

func (r *Roster) UnmarshalJSON(data []byte) error {
	var entries []*ParticipantEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	*r = *RestoreRoster(entries)
	return nil
}
