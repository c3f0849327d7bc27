// Package event defines the outbound frames pushed to live connections and
// the handle registries use to reach a connection.
package event

import (
	"encoding/json"

	"relaychat/internal/models"
)

// Outbound event types.
const (
	TypeOnlineUsers = "online_users"
	TypeRoomMembers = "room_members"
	TypeMessage     = "message"
	TypeTyping      = "typing"
	TypeError       = "error"
)

// Event 是推送给客户端的一帧数据。
type Event struct {
	Type     string          `json:"type"`
	Users    []string        `json:"users,omitempty"`
	Room     string          `json:"room,omitempty"`
	Members  []string        `json:"members,omitempty"`
	Message  *models.Message `json:"message,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	IsTyping *bool           `json:"is_typing,omitempty"`
	Error    string          `json:"error,omitempty"`
	Ref      string          `json:"ref,omitempty"`
}

// Conn is a live connection handle. Send must not block: it enqueues the
// event and reports false when the event could not be accepted.
type Conn interface {
	ID() string
	Send(Event) bool
}

func OnlineUsers(users []string) Event {
	return Event{Type: TypeOnlineUsers, Users: users}
}

func RoomMembers(room string, members []string) Event {
	return Event{Type: TypeRoomMembers, Room: room, Members: members}
}

func Delivered(m *models.Message) Event {
	return Event{Type: TypeMessage, Message: m}
}

func Typing(room, userID string, typing bool) Event {
	return Event{Type: TypeTyping, Room: room, UserID: userID, IsTyping: &typing}
}

func Failure(ref string, err error) Event {
	return Event{Type: TypeError, Ref: ref, Error: err.Error()}
}

// Encode 序列化事件，供 websocket 写协程直接发送。
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// MarshalJSON always writes users / members on the roster events, so an empty
// roster goes out as [] rather than a missing field.
func (e Event) MarshalJSON() ([]byte, error) {
	type wire Event
	switch e.Type {
	case TypeOnlineUsers:
		return json.Marshal(struct {
			wire
			Users []string `json:"users"`
		}{wire(e), orEmpty(e.Users)})
	case TypeRoomMembers:
		return json.Marshal(struct {
			wire
			Members []string `json:"members"`
		}{wire(e), orEmpty(e.Members)})
	}
	return json.Marshal(wire(e))
}

func orEmpty(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
