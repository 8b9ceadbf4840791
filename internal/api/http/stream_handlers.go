package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/civita/formation/internal/infrastructure/sse"
)

const (
	streamHeartbeat = 25 * time.Second
	wsWriteWait     = 10 * time.Second
	wsPongWait      = 60 * time.Second
)

// streamSubscriber registers a hub subscriber scoped by ?activity_id=.
func (s *Server) streamSubscriber(r *http.Request) (*sse.Subscriber, error) {
	var scope *uuid.UUID
	if v := r.URL.Query().Get("activity_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, err
		}
		scope = &id
	}
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = middleware.GetReqID(r.Context())
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}
	sub := sse.NewSubscriber(clientID, scope)
	s.hub.Register(sub)
	return sub, nil
}

func (s *Server) streamEndpoint(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	sub, err := s.streamSubscriber(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid activity_id")
		return
	}
	defer s.hub.Unregister(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(streamHeartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case msg, ok := <-sub.Messages:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("id: " + msg.ID + "\nevent: " + msg.Event + "\ndata: "))
			_, _ = w.Write(msg.Data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// websocketEndpoint streams the same frames as streamEndpoint, one JSON
// message per event.
func (s *Server) websocketEndpoint(w http.ResponseWriter, r *http.Request) {
	sub, err := s.streamSubscriber(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid activity_id")
		return
	}
	defer s.hub.Unregister(sub)

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// the reader only services control frames and notices the close
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.Messages:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug().Err(err).Str("subscriber", sub.ID).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
