package monitor

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/delimaa/pg-transit/internal/store"
)

// healthResponse is the /health body.
type healthResponse struct {
	Status    string    `json:"status"`
	Database  string    `json:"database"`
	Timestamp time.Time `json:"timestamp"`
}

// topicView is the JSON shape of one topic.
type topicView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MaxRetention *int64    `json:"max_retention"`
	CreatedAt    time.Time `json:"created_at"`
}

// messageView is the JSON shape of one stored message.
type messageView struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Priority  *int            `json:"priority,omitempty"`
	DeliverAt *time.Time      `json:"deliver_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// subscriptionView is the JSON shape of one subscription.
type subscriptionView struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	ConsumptionMode string    `json:"consumption_mode"`
	StartPosition   string    `json:"start_position"`
	MaxAttempts     int       `json:"max_attempts"`
	RetryStrategy   string    `json:"retry_strategy"`
	RetryDelayMS    int64     `json:"retry_delay_ms"`
	Processing      bool      `json:"processing"`
	CreatedAt       time.Time `json:"created_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Database:  "up",
		Timestamp: time.Now().UTC(),
	}

	status := http.StatusOK
	if err := s.source.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Database = "down"
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, resp)
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.source.ListTopics(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list topics")
		return
	}

	views := make([]topicView, 0, len(topics))
	for _, t := range topics {
		views = append(views, topicView{
			ID:           t.ID.String(),
			Name:         t.Name,
			MaxRetention: t.MaxRetention,
			CreatedAt:    t.CreatedAt,
		})
	}

	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleTopicMessages(w http.ResponseWriter, r *http.Request) {
	topic, ok := s.resolveTopic(w, r)
	if !ok {
		return
	}

	msgs, err := s.source.ListMessages(r.Context(), topic.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView{
			ID:        m.ID.String(),
			Payload:   m.Payload,
			Priority:  m.Priority,
			DeliverAt: m.DeliverAt,
			CreatedAt: m.CreatedAt,
		})
	}

	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleTopicSubscriptions(w http.ResponseWriter, r *http.Request) {
	topic, ok := s.resolveTopic(w, r)
	if !ok {
		return
	}

	subs, err := s.source.ListSubscriptions(r.Context(), topic.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	views := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, subscriptionView{
			ID:              sub.ID.String(),
			Name:            sub.Name,
			ConsumptionMode: string(sub.ConsumptionMode),
			StartPosition:   string(sub.StartPosition),
			MaxAttempts:     sub.MaxAttempts,
			RetryStrategy:   string(sub.RetryStrategy),
			RetryDelayMS:    sub.RetryDelayMS,
			Processing:      sub.Processing,
			CreatedAt:       sub.CreatedAt,
		})
	}

	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) resolveTopic(w http.ResponseWriter, r *http.Request) (*store.Topic, bool) {
	name := mux.Vars(r)["topic"]

	topic, err := s.source.GetTopic(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrTopicNotFound) {
			s.writeError(w, http.StatusNotFound, "topic not found")
		} else {
			s.writeError(w, http.StatusInternalServerError, "failed to load topic")
		}
		return nil, false
	}

	return topic, true
}
