package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	appActivity "github.com/civita/formation/internal/application/activity"
	appAuth "github.com/civita/formation/internal/application/auth"
	"github.com/civita/formation/internal/infrastructure/sse"
)

// PolicyValidator rejects visibility policies that cannot be evaluated.
type PolicyValidator interface {
	Validate(policy string) error
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	activitySvc *appActivity.Service
	authSvc     *appAuth.Service
	policies    PolicyValidator
	hub         *sse.Hub
	cluster     ClusterAdmin
	corsOrigins []string
	logger      zerolog.Logger
}

func NewServer(
	activitySvc *appActivity.Service,
	authSvc *appAuth.Service,
	policies PolicyValidator,
	hub *sse.Hub,
	corsOrigins []string,
	logger zerolog.Logger,
) *Server {
	return &Server{
		activitySvc: activitySvc,
		authSvc:     authSvc,
		policies:    policies,
		hub:         hub,
		corsOrigins: corsOrigins,
		logger:      logger.With().Str("component", "http").Logger(),
	}
}

// WithCluster enables the raft membership routes.
func (s *Server) WithCluster(c ClusterAdmin) *Server {
	s.cluster = c
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Route("/activities", func(r chi.Router) {
				r.With(s.requireOrganizer).Post("/", s.createActivity)
				r.Get("/", s.listActivities)
				r.Get("/{activityId}", s.getActivity)
				r.Get("/{activityId}/events", s.listActivityEvents)

				r.Group(func(r chi.Router) {
					r.Use(s.requireParticipant)
					r.Post("/{activityId}/join", s.joinActivity)
					r.Post("/{activityId}/leave", s.leaveActivity)
					r.Post("/{activityId}/pay", s.payActivity)
				})
			})

			r.Route("/admin/raft", func(r chi.Router) {
				r.Use(s.requireOrganizer)
				r.Get("/", s.raftStatus)
				r.Post("/voters", s.addRaftVoter)
			})
		})

		// streams outlive the request timeout
		r.Get("/stream", s.streamEndpoint)
		r.Get("/ws", s.websocketEndpoint)
	})

	return cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Organizer-Key", "X-Participant-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}).Handler(r)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
