package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/outbox-relay/internal/domain"
	"github.com/fairyhunter13/outbox-relay/internal/usecase"
)

// Server bundles the ops API handlers and their dependencies.
type Server struct {
	Producer *usecase.ProducerService
	Repo     domain.OutboxRepository
	Stats    *usecase.StatsService
	Health   *usecase.HealthEvaluator
	Validate *validator.Validate
}

// NewServer constructs the API server.
func NewServer(producer *usecase.ProducerService, repo domain.OutboxRepository, stats *usecase.StatsService, health *usecase.HealthEvaluator) *Server {
	return &Server{
		Producer: producer,
		Repo:     repo,
		Stats:    stats,
		Health:   health,
		Validate: validator.New(),
	}
}

type createEventRequest struct {
	TrackingID    string         `json:"tracking_id" validate:"omitempty,max=128"`
	AggregateID   string         `json:"aggregate_id" validate:"required,max=255"`
	AggregateType string         `json:"aggregate_type" validate:"required,max=255"`
	EventType     string         `json:"event_type" validate:"required,max=255"`
	Payload       map[string]any `json:"payload" validate:"required"`
	Metadata      map[string]any `json:"metadata"`
	MaxRetries    *int           `json:"max_retries" validate:"omitempty,gte=0,lte=100"`
}

type eventResponse struct {
	ID            int64          `json:"id"`
	TrackingID    string         `json:"tracking_id"`
	AggregateID   string         `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Status        string         `json:"status"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	CreatedAt     time.Time      `json:"created_at"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
	LastError     *string        `json:"last_error,omitempty"`
}

func toEventResponse(e domain.Event) eventResponse {
	return eventResponse{
		ID:            e.ID,
		TrackingID:    e.TrackingID,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     e.EventType,
		Payload:       e.Payload,
		Metadata:      e.Metadata,
		Status:        string(e.Status),
		RetryCount:    e.RetryCount,
		MaxRetries:    e.MaxRetries,
		CreatedAt:     e.CreatedAt,
		ProcessedAt:   e.ProcessedAt,
		LastError:     e.LastError,
	}
}

// CreateEvent handles POST /v1/events.
func (s *Server) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.Validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, err.Error()), nil)
		return
	}

	res, err := s.Producer.Enqueue(r.Context(), usecase.EnqueueInput{
		TrackingID:    req.TrackingID,
		AggregateID:   req.AggregateID,
		AggregateType: req.AggregateType,
		EventType:     req.EventType,
		Payload:       req.Payload,
		Metadata:      req.Metadata,
		MaxRetries:    req.MaxRetries,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if res.Dropped {
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "dropped"})
		return
	}
	writeJSON(w, http.StatusCreated, toEventResponse(res.Event))
}

// ListEvents handles GET /v1/events. With status it filters by lifecycle
// state; otherwise it pages newest-first over the id cursor.
func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, r, fmt.Errorf("%w: limit must be 1..500", domain.ErrInvalidArgument), nil)
			return
		}
		limit = n
	}

	if status := q.Get("status"); status != "" {
		events, err := s.Repo.FindByStatus(r.Context(), domain.EventStatus(status), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": toEventResponses(events), "has_more": false})
		return
	}

	var rq domain.RecentQuery
	rq.Limit = limit
	if v := q.Get("after"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, r, fmt.Errorf("%w: after must be a positive id", domain.ErrInvalidArgument), nil)
			return
		}
		rq.After = id
	}
	if v := q.Get("before"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, r, fmt.Errorf("%w: before must be a positive id", domain.ErrInvalidArgument), nil)
			return
		}
		rq.Before = id
	}
	if rq.After > 0 && rq.Before > 0 {
		writeError(w, r, fmt.Errorf("%w: after and before are mutually exclusive", domain.ErrInvalidArgument), nil)
		return
	}

	page, err := s.Repo.FindRecent(r.Context(), rq)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": toEventResponses(page.Events), "has_more": page.HasMore})
}

func toEventResponses(events []domain.Event) []eventResponse {
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, toEventResponse(e))
	}
	return out
}

// GetEvent handles GET /v1/events/{id}. A numeric path segment looks up by
// row id, anything else by tracking id.
func (s *Server) GetEvent(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	var (
		e   domain.Event
		err error
	)
	if id, convErr := strconv.ParseInt(raw, 10, 64); convErr == nil {
		e, err = s.Repo.FindByID(r.Context(), id)
	} else {
		e, err = s.Repo.FindByTrackingID(r.Context(), raw)
	}
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(e))
}

// GetStats handles GET /v1/stats.
func (s *Server) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Stats.Collect(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":                    stats.Pending,
		"processing":                 stats.Processing,
		"completed":                  stats.Completed,
		"dead_letter":                stats.DeadLetter,
		"oldest_pending_age_seconds": stats.OldestPendingAge.Seconds(),
	})
}

// GetDeadLetterStats handles GET /v1/dead-letter/stats.
func (s *Server) GetDeadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Repo.DeadLetterStats(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	type dleStat struct {
		EventType        string   `json:"event_type"`
		Count            int64    `json:"count"`
		OldestAgeSeconds float64  `json:"oldest_age_seconds"`
		NewestAgeSeconds float64  `json:"newest_age_seconds"`
		ErrorSamples     []string `json:"error_samples"`
	}
	out := make([]dleStat, 0, len(stats))
	for _, st := range stats {
		out = append(out, dleStat{
			EventType:        st.EventType,
			Count:            st.Count,
			OldestAgeSeconds: st.OldestAge.Seconds(),
			NewestAgeSeconds: st.NewestAge.Seconds(),
			ErrorSamples:     st.ErrorSamples,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letter": out})
}

type redriveRequest struct {
	EventType string `json:"event_type"`
	ID        int64  `json:"id"`
}

// Redrive handles POST /v1/dead-letter/redrive. A filter is mandatory:
// unfiltered mass redrive of every dead letter is a foot-gun, so the request
// must name an event type or a single id.
func (s *Server) Redrive(w http.ResponseWriter, r *http.Request) {
	var req redriveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
		return
	}
	switch {
	case req.ID > 0 && req.EventType != "":
		writeError(w, r, fmt.Errorf("%w: id and event_type are mutually exclusive", domain.ErrInvalidArgument), nil)
	case req.ID > 0:
		ok, err := s.Repo.RedriveByID(r.Context(), req.ID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !ok {
			writeError(w, r, fmt.Errorf("%w: event %d is not dead-lettered", domain.ErrNotFound, req.ID), nil)
			return
		}
		LoggerFrom(r).Info("dead letter redriven", "event_id", req.ID)
		writeJSON(w, http.StatusOK, map[string]any{"redriven": 1})
	case req.EventType != "":
		n, err := s.Repo.RedriveByEventType(r.Context(), req.EventType)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("dead letters redriven", "event_type", req.EventType, "count", n)
		writeJSON(w, http.StatusOK, map[string]any{"redriven": n})
	default:
		writeError(w, r, fmt.Errorf("%w: an event_type or id filter is required", domain.ErrInvalidArgument), nil)
	}
}

// GetHealth handles GET /v1/health with the full evaluated report.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.Health.Evaluate(r.Context())
	status := http.StatusOK
	if rep.Status == usecase.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}
