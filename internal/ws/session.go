package ws

import (
	"context"
	"errors"
	"sync"

	"relaychat/internal/event"
	"relaychat/internal/models"
	"relaychat/internal/rooms"

	"github.com/rs/zerolog/log"
)

var (
	ErrNotBound         = errors.New("connection is not set up")
	ErrIdentityMismatch = errors.New("user does not match the authenticated identity")
	ErrClosed           = errors.New("connection closed")
	ErrInvalidReceiver  = errors.New("invalid receiver")
	ErrNotMember        = errors.New("not a member of the room")
)

// State 是单个连接的生命周期状态。
type State int

const (
	StateConnected State = iota
	StateBound
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is the per-connection state machine:
// connected -> bound(user) -> closed. Room operations and sends require the
// bound state; Close is valid from any state and idempotent.
type Session struct {
	hub      *Hub
	conn     event.Conn
	identity string

	mu    sync.Mutex
	state State
	user  string
	rooms map[string]struct{}
}

func (s *Session) ID() string { return s.conn.ID() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// User returns the bound user, or "" before setup.
func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Rooms 返回该连接已加入的房间。
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// Setup binds the connection to user. An empty user means the identity the
// connection authenticated with. Binding to anyone else is refused.
func (s *Session) Setup(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	if user == "" {
		user = s.identity
	}
	if s.identity != "" && user != s.identity {
		return ErrIdentityMismatch
	}
	if user == "" {
		// Nothing to bind; presence would drop it anyway.
		return nil
	}

	if s.user != "" && s.user != user {
		s.leaveAllLocked()
	}
	s.hub.presence.Bind(user, s.conn)
	s.user = user
	s.state = StateBound
	log.Info().Str("conn_id", s.conn.ID()).Str("user_id", user).Msg("session bound")
	return nil
}

func (s *Session) JoinRoom(room string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireBoundLocked(); err != nil {
		return "", err
	}
	id, _, err := s.hub.rooms.Join(room, s.user, s.conn.ID())
	if err != nil {
		return "", err
	}
	s.rooms[id] = struct{}{}
	return id, nil
}

func (s *Session) LeaveRoom(room string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireBoundLocked(); err != nil {
		return "", err
	}
	id, _, err := s.hub.rooms.Leave(room, s.user, s.conn.ID())
	if err != nil {
		return "", err
	}
	delete(s.rooms, id)
	return id, nil
}

// SendRoomMessage routes text to room. Room targets must follow the room
// prefix convention.
func (s *Session) SendRoomMessage(ctx context.Context, room, text string) (*models.Message, error) {
	if _, err := rooms.Canonical(room); err != nil {
		return nil, err
	}
	return s.send(ctx, room, text)
}

// SendDirectMessage routes text to receiver. A receiver that looks like a
// room id is refused so the two send paths never cross.
func (s *Session) SendDirectMessage(ctx context.Context, receiver, text string) (*models.Message, error) {
	if receiver == "" || models.IsRoomTarget(receiver) {
		return nil, ErrInvalidReceiver
	}
	return s.send(ctx, receiver, text)
}

func (s *Session) send(ctx context.Context, destination, text string) (*models.Message, error) {
	s.mu.Lock()
	if err := s.requireBoundLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	user := s.user
	s.mu.Unlock()

	// Persistence runs outside every lock.
	msg, err := s.hub.router.Route(ctx, user, destination, text)
	if err != nil {
		return nil, err
	}
	if !s.reachedBy(msg, user) {
		s.conn.Send(event.Delivered(msg))
	}
	return msg, nil
}

// reachedBy reports whether fan-out already pushed msg to this connection,
// so the sender's echo is not duplicated.
func (s *Session) reachedBy(msg *models.Message, user string) bool {
	c, ok := s.hub.presence.Resolve(user)
	if !ok || c.ID() != s.conn.ID() {
		return false
	}
	if msg.IsRoom() {
		return s.hub.rooms.IsMember(*msg.Room, user)
	}
	return *msg.ReceiverID == user
}

// Typing relays a typing indicator to a room or a single user. Nothing is
// persisted.
func (s *Session) Typing(target string, typing bool) error {
	s.mu.Lock()
	if err := s.requireBoundLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	user := s.user
	s.mu.Unlock()

	dest := models.ParseDestination(target)
	switch {
	case dest.IsRoom():
		if !s.hub.rooms.IsMember(dest.Room, user) {
			return ErrNotMember
		}
		s.hub.rooms.Deliver(dest.Room, event.Typing(dest.Room, user, typing))
	case dest.User != "":
		if c, ok := s.hub.presence.Resolve(dest.User); ok {
			c.Send(event.Typing("", user, typing))
		}
	default:
		return ErrInvalidReceiver
	}
	return nil
}

// Close tears the connection down: presence is released first (guarded
// against a newer bind of the same user), then every joined room is left.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.hub.presence.Detach(s.conn)
	s.leaveAllLocked()
	s.hub.forget(s)
	log.Info().Str("conn_id", s.conn.ID()).Str("user_id", s.user).Msg("session closed")
}

func (s *Session) leaveAllLocked() {
	for room := range s.rooms {
		if _, _, err := s.hub.rooms.Leave(room, s.user, s.conn.ID()); err != nil {
			log.Warn().Err(err).Str("room", room).Str("user_id", s.user).Msg("leave on teardown")
		}
		delete(s.rooms, room)
	}
}

func (s *Session) requireBoundLocked() error {
	switch s.state {
	case StateClosed:
		return ErrClosed
	case StateConnected:
		return ErrNotBound
	}
	return nil
}
