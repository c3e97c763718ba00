package monitor

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/delimaa/pg-transit/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The monitor binds to localhost; the feed is read-only either way.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// statsSnapshot is one frame of the /ws/stats feed.
type statsSnapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	Topics    []store.TopicStats `json:"topics"`
}

// handleStatsFeed upgrades the connection and pushes a stats snapshot on
// every interval until the client goes away.
func (s *Server) handleStatsFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		stats, err := s.source.Stats(r.Context())
		if err != nil {
			log.Warn().Err(err).Msg("stats feed query failed")
			return
		}

		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(statsSnapshot{
			Timestamp: time.Now().UTC(),
			Topics:    stats,
		}); err != nil {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
