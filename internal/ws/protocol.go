package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"relaychat/internal/event"
	"relaychat/internal/routing"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// Inbound frame types.
const (
	TypeSetup             = "setup"
	TypeJoinRoom          = "join_room"
	TypeLeaveRoom         = "leave_room"
	TypeSendRoomMessage   = "send_room_message"
	TypeSendDirectMessage = "send_direct_message"
	TypeTyping            = "typing"
)

// persistTimeout bounds a single send from the live connection.
const persistTimeout = 10 * time.Second

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrRateLimited    = errors.New("too many messages")
)

var validate = validator.New()

// InboundMessage 是客户端发来的一帧。
type InboundMessage struct {
	Type       string `json:"type" validate:"required,oneof=setup join_room leave_room send_room_message send_direct_message typing"`
	Ref        string `json:"ref,omitempty" validate:"max=64"`
	UserID     string `json:"user_id,omitempty" validate:"max=64"`
	Room       string `json:"room,omitempty" validate:"required_if=Type join_room,required_if=Type leave_room,required_if=Type send_room_message,max=128"`
	ReceiverID string `json:"receiver_id,omitempty" validate:"required_if=Type send_direct_message,max=64"`
	Text       string `json:"text,omitempty"`
	IsTyping   bool   `json:"is_typing,omitempty"`
}

func decodeInbound(data []byte) (InboundMessage, error) {
	var in InboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return in, ErrMalformedFrame
	}
	if err := validate.Struct(in); err != nil {
		return in, errors.Join(ErrMalformedFrame, err)
	}
	return in, nil
}

// dispatch applies one inbound frame to the session. Frames from one
// connection are dispatched strictly one after another.
func dispatch(s *Session, in InboundMessage) error {
	switch in.Type {
	case TypeSetup:
		return s.Setup(in.UserID)
	case TypeJoinRoom:
		_, err := s.JoinRoom(in.Room)
		return err
	case TypeLeaveRoom:
		_, err := s.LeaveRoom(in.Room)
		return err
	case TypeSendRoomMessage:
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		_, err := s.SendRoomMessage(ctx, in.Room, in.Text)
		return err
	case TypeSendDirectMessage:
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		_, err := s.SendDirectMessage(ctx, in.ReceiverID, in.Text)
		return err
	case TypeTyping:
		target := in.Room
		if target == "" {
			target = in.ReceiverID
		}
		return s.Typing(target, in.IsTyping)
	}
	return ErrMalformedFrame
}

// failure converts a dispatch error into the frame reported to the sender.
// Storage details stay in the log.
func failure(ref string, err error) event.Event {
	switch {
	case routing.IsStorage(err):
		return event.Failure(ref, errors.New("message not saved"))
	case errors.Is(err, ErrMalformedFrame):
		return event.Failure(ref, ErrMalformedFrame)
	}
	return event.Failure(ref, err)
}

// handleFrame decodes, dispatches and reports one frame.
func handleFrame(s *Session, data []byte) {
	in, err := decodeInbound(data)
	if err == nil {
		err = dispatch(s, in)
	}
	if err == nil {
		return
	}
	log.Debug().Err(err).Str("conn_id", s.ID()).Str("type", in.Type).Msg("frame rejected")
	s.conn.Send(failure(in.Ref, err))
}
