package ws

import (
	"context"
	"io"
	"sync"

	"relaychat/internal/event"
	"relaychat/internal/metrics"
	"relaychat/internal/models"
	"relaychat/internal/presence"
	"relaychat/internal/rooms"

	"github.com/rs/zerolog/log"
)

// Router persists and delivers a message; implemented by routing.Router.
type Router interface {
	Route(ctx context.Context, senderID, destination, text string) (*models.Message, error)
}

// Hub 管理所有连接的生命周期，把连接事件转交给在线表、房间表与消息路由。
type Hub struct {
	presence *presence.Registry
	rooms    *rooms.Registry
	router   Router

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewHub(p *presence.Registry, r *rooms.Registry, router Router) *Hub {
	return &Hub{
		presence: p,
		rooms:    r,
		router:   router,
		sessions: make(map[string]*Session),
	}
}

// Open starts the lifecycle of a freshly connected transport. identity is
// what the auth layer established for the connection; setup may only bind
// that identity.
func (h *Hub) Open(c event.Conn, identity string) *Session {
	s := &Session{
		hub:      h,
		conn:     c,
		identity: identity,
		state:    StateConnected,
		rooms:    make(map[string]struct{}),
	}
	h.mu.Lock()
	h.sessions[c.ID()] = s
	h.mu.Unlock()

	h.presence.Attach(c)
	metrics.WsConnections.Inc()
	return s
}

func (h *Hub) forget(s *Session) {
	h.mu.Lock()
	if cur, ok := h.sessions[s.ID()]; ok && cur == s {
		delete(h.sessions, s.ID())
		metrics.WsConnections.Dec()
	}
	h.mu.Unlock()
}

// Sessions returns the number of open sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Online 返回当前在线用户列表。
func (h *Hub) Online() []string { return h.presence.Online() }

// Shutdown closes every session and its transport, for graceful stop.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.RUnlock()

	for _, s := range open {
		s.Close()
		if closer, ok := s.conn.(io.Closer); ok {
			_ = closer.Close()
		}
	}
	log.Info().Int("sessions", len(open)).Msg("hub shutdown")
}
