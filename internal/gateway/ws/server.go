// Package ws implements the WebSocket endpoint that streams audit
// events to connected operator clients in real time, instead of
// polling the audit query endpoint.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/kipande/internal/config"
	"github.com/jkaninda/kipande/internal/security"
)

// Slow clients fall this far behind before their events are dropped.
const subscriberBuffer = 64

// Server is the WebSocket audit stream server. Events are fanned out
// to every connected client; a client that cannot keep up loses
// events rather than blocking the engine.
type Server struct {
	apiKeys []config.APIKeyConfig
	gate    *security.Gate
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[chan security.AuditEvent]struct{}
}

// NewServer creates a WebSocket audit stream server. Only API keys
// carrying the manage role may connect.
func NewServer(apiKeys []config.APIKeyConfig, gate *security.Gate, logger *slog.Logger) *Server {
	return &Server{
		apiKeys: apiKeys,
		gate:    gate,
		logger:  logger,
		subs:    make(map[chan security.AuditEvent]struct{}),
	}
}

// Observer returns the audit observer that feeds the stream. Wire it
// with AuditLogger.Subscribe.
func (s *Server) Observer() security.Observer {
	return security.ObserverFunc(s.broadcast)
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.authenticate(r)
	if !ok || !s.gate.CanManage(actor) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"kipande-audit-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.logger.Info("audit stream client connected", slog.String("actor", actor.ID))
	s.handleConnection(r.Context(), conn, actor.ID)
}

// authenticate resolves the API key from the token query parameter or
// the Authorization header.
func (s *Server) authenticate(r *http.Request) (security.Actor, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		token = strings.TrimPrefix(token, "Bearer ")
	}
	if token == "" {
		return security.Actor{}, false
	}

	for _, k := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(k.Key)) == 1 {
			roles := make(map[string]bool, len(k.Roles))
			for _, role := range k.Roles {
				roles[role] = true
			}
			return security.Actor{ID: k.Actor, Authenticated: true, Roles: roles}, true
		}
	}
	return security.Actor{}, false
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, actorID string) {
	ch := s.subscribe()
	defer func() {
		s.unsubscribe(ch)
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	// Drain client messages so pings and close frames are processed.
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-readCtx.Done():
			s.logger.Info("audit stream client disconnected", slog.String("actor", actorID))
			return
		case event := <-ch:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(readCtx, 10*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				s.logger.Warn("audit stream write failed",
					slog.String("actor", actorID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) subscribe() chan security.AuditEvent {
	ch := make(chan security.AuditEvent, subscriberBuffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan security.AuditEvent) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
}

// broadcast fans an event out to every subscriber without blocking.
func (s *Server) broadcast(event security.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
