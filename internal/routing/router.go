// Package routing validates, persists and delivers chat messages.
package routing

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"relaychat/internal/event"
	"relaychat/internal/metrics"
	"relaychat/internal/models"
	"relaychat/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MaxTextLength is the longest accepted message, in runes.
const MaxTextLength = 4096

// Presence resolves a user's live connection.
type Presence interface {
	Resolve(user string) (event.Conn, bool)
}

// Rooms fans an event out to a room's live members.
type Rooms interface {
	Deliver(room string, evt event.Event) (delivered, dropped int)
}

// Router 决定消息的投递目标：先持久化，再尽力推送给在线连接。
// Router 不缓存任何成员或在线信息，每次投递都查询注册表。
type Router struct {
	store    store.Gateway
	presence Presence
	rooms    Rooms
	now      func() time.Time
	newID    func() string
}

type Option func(*Router)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithIDs overrides the message id generator.
func WithIDs(newID func() string) Option {
	return func(r *Router) { r.newID = newID }
}

func New(s store.Gateway, p Presence, rooms Rooms, opts ...Option) *Router {
	r := &Router{
		store:    s,
		presence: p,
		rooms:    rooms,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route persists a message from sender to destination and pushes it to the
// live recipients. The returned message is the persisted one; delivery
// problems never turn into an error because persistence already succeeded.
func (r *Router) Route(ctx context.Context, senderID, destination, text string) (*models.Message, error) {
	msg, err := r.build(senderID, destination, text)
	if err != nil {
		metrics.RouteErrorsTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	if err := r.store.Append(ctx, msg); err != nil {
		metrics.RouteErrorsTotal.WithLabelValues("storage").Inc()
		log.Error().Err(err).Str("sender_id", msg.SenderID).Str("message_id", msg.ID).Msg("append message")
		return nil, &StorageError{Err: err}
	}

	r.deliver(msg)
	return msg, nil
}

func (r *Router) build(senderID, destination, text string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, invalid(ErrEmptyText)
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return nil, invalid(ErrTextTooLong)
	}
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return nil, invalid(ErrInvalidSender)
	}

	msg := &models.Message{
		ID:        r.newID(),
		SenderID:  senderID,
		Text:      text,
		CreatedAt: r.now().UTC(),
	}
	dest := models.ParseDestination(destination)
	switch {
	case dest.IsRoom():
		if dest.Room == models.RoomPrefix {
			return nil, invalid(ErrInvalidDestination)
		}
		msg.Room = &dest.Room
	case dest.User != "":
		msg.ReceiverID = &dest.User
	default:
		return nil, invalid(ErrInvalidDestination)
	}
	return msg, nil
}

func (r *Router) deliver(msg *models.Message) {
	evt := event.Delivered(msg)
	if msg.IsRoom() {
		metrics.MessagesTotal.WithLabelValues("room").Inc()
		delivered, dropped := r.rooms.Deliver(*msg.Room, evt)
		metrics.DeliveriesTotal.WithLabelValues("delivered").Add(float64(delivered))
		metrics.DeliveriesTotal.WithLabelValues("dropped").Add(float64(dropped))
		log.Debug().Str("room", *msg.Room).Str("message_id", msg.ID).Int("delivered", delivered).Int("dropped", dropped).Msg("room message")
		return
	}

	metrics.MessagesTotal.WithLabelValues("direct").Inc()
	c, ok := r.presence.Resolve(*msg.ReceiverID)
	if !ok {
		metrics.DeliveriesTotal.WithLabelValues("offline").Inc()
		return
	}
	if !c.Send(evt) {
		metrics.DeliveriesTotal.WithLabelValues("dropped").Inc()
		log.Warn().Str("receiver_id", *msg.ReceiverID).Str("conn_id", c.ID()).Str("message_id", msg.ID).Msg("direct delivery dropped")
		return
	}
	metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
}
