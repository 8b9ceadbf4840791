package sse

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/civita/formation/internal/domain/activity"
)

var ErrSubscriberNotFound = errors.New("stream subscriber not found")

const bufferSize = 64

// Message is one frame delivered to a stream subscriber.
type Message struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Subscriber receives the events of one activity, or of every activity when
// ActivityID is nil.
type Subscriber struct {
	ID         string
	ActivityID *uuid.UUID
	Messages   chan *Message

	once sync.Once
}

func NewSubscriber(id string, activityID *uuid.UUID) *Subscriber {
	return &Subscriber{
		ID:         id,
		ActivityID: activityID,
		Messages:   make(chan *Message, bufferSize),
	}
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.Messages) })
}

func (s *Subscriber) wants(activityID uuid.UUID) bool {
	return s.ActivityID == nil || *s.ActivityID == activityID
}

// Hub fans activity events out to SSE and websocket subscribers. Slow
// subscribers drop frames rather than block the publisher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	logger      zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		logger:      logger.With().Str("component", "stream_hub").Logger(),
	}
}

// Register adds s, closing any earlier subscriber with the same ID.
func (h *Hub) Register(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.subscribers[s.ID]; ok {
		old.close()
	}
	h.subscribers[s.ID] = s
}

// Unregister closes s and removes it. A newer subscriber registered under
// the same ID stays registered.
func (h *Hub) Unregister(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s.close()
	if h.subscribers[s.ID] == s {
		delete(h.subscribers, s.ID)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish implements activity.Publisher.
func (h *Hub) Publish(e *activity.Event) {
	msg, err := MessageFor(e)
	if err != nil {
		h.logger.Error().Err(err).Str("event_id", e.EventID.String()).Msg("cannot encode event")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subscribers {
		if !s.wants(e.ActivityID) {
			continue
		}
		if !trySend(s, msg) {
			h.logger.Warn().Str("subscriber", s.ID).Str("event", msg.Event).Msg("subscriber buffer full, frame dropped")
		}
	}
}

// Send delivers msg to one subscriber.
func (h *Hub) Send(id string, msg *Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.subscribers[id]
	if s == nil {
		return ErrSubscriberNotFound
	}
	trySend(s, msg)
	return nil
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subscribers {
		s.close()
		delete(h.subscribers, id)
	}
}

// MessageFor encodes an activity event as a stream frame.
func MessageFor(e *activity.Event) (*Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return &Message{ID: e.EventID.String(), Event: string(e.Type), Data: data}, nil
}

func trySend(s *Subscriber, msg *Message) bool {
	select {
	case s.Messages <- msg:
		return true
	default:
		return false
	}
}
