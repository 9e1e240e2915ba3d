package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const (
	// Subprotocol identifies the event stream wire format.
	Subprotocol = "sanduku-events-v1"

	pingInterval = 30 * time.Second
	writeTimeout = 5 * time.Second
)

// Server upgrades HTTP requests to WebSocket connections and streams
// bus events to each client until it disconnects.
type Server struct {
	bus    *Bus
	token  string
	logger *slog.Logger
}

// NewServer builds the event stream server. An empty token disables
// authentication.
func NewServer(bus *Bus, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{bus: bus, token: token, logger: logger}
}

// Handler returns the upgrade endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.logger.Warn("websocket connection rejected: invalid token",
			"remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err,
			"remote", r.RemoteAddr)
		return
	}

	s.handleConnection(r.Context(), conn, typeFilter(r))
}

// authorized accepts the token from the query string or from a bearer
// Authorization header.
func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return token == s.token
}

// typeFilter reads the optional types query parameter, a comma
// separated list of event types the client wants.
func typeFilter(r *http.Request) map[string]bool {
	raw := r.URL.Query().Get("types")
	if raw == "" {
		return nil
	}
	filter := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter[t] = true
		}
	}
	return filter
}

// handleConnection pushes events until the client goes away or the bus
// closes. The stream is write-only: reads serve only to surface the
// client's close frame.
func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, filter map[string]bool) {
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	ch, cancel := s.bus.Subscribe()
	defer cancel()

	readCtx := conn.CloseRead(ctx)
	s.logger.Info("event stream client connected",
		"subscribers", s.bus.SubscriberCount())

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readCtx.Done():
			s.logger.Info("event stream client disconnected")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if filter != nil && !filter[ev.Type] {
				continue
			}
			if err := s.writeEvent(readCtx, conn, ev); err != nil {
				s.logger.Debug("event write failed, dropping client",
					"error", err)
				return
			}
		case <-ticker.C:
			ping := New("ping", "", nil)
			if err := s.writeEvent(readCtx, conn, ping); err != nil {
				s.logger.Debug("ping failed, dropping client", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
