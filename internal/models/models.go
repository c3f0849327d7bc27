package models

import (
	"errors"
	"strings"
	"time"
)

// RoomPrefix 是房间目标的保留前缀，不带该前缀的目标一律视为用户 ID。
const RoomPrefix = "room_"

var (
	ErrNoTarget   = errors.New("message has neither receiver nor room")
	ErrBothTarget = errors.New("message has both receiver and room")
	ErrEmptyText  = errors.New("message text is empty")
)

// Message 是持久化的聊天消息：私聊（ReceiverID）与房间消息（Room）二选一。
type Message struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement" json:"seq"`
	ID         string    `gorm:"uniqueIndex;size:36;not null" json:"id"`
	SenderID   string    `gorm:"index:idx_msg_sender_receiver;size:64;not null" json:"sender_id"`
	ReceiverID *string   `gorm:"index:idx_msg_sender_receiver;size:64" json:"receiver_id,omitempty"`
	Room       *string   `gorm:"index:idx_msg_room;size:128" json:"room,omitempty"`
	Text       string    `gorm:"type:text;not null" json:"text"`
	CreatedAt  time.Time `gorm:"index;not null" json:"created_at"`
}

// IsRoom 判断是否为房间消息。
func (m *Message) IsRoom() bool { return m.Room != nil }

// Validate 检查消息目标互斥以及文本非空。
func (m *Message) Validate() error {
	switch {
	case m.Room == nil && m.ReceiverID == nil:
		return ErrNoTarget
	case m.Room != nil && m.ReceiverID != nil:
		return ErrBothTarget
	case strings.TrimSpace(m.Text) == "":
		return ErrEmptyText
	}
	return nil
}

// Destination 是解析后的发送目标。
type Destination struct {
	Room string
	User string
}

func (d Destination) IsRoom() bool { return d.Room != "" }

// CanonicalRoom 返回房间 ID 的小写规范形式。
func CanonicalRoom(room string) string {
	return strings.ToLower(strings.TrimSpace(room))
}

// IsRoomTarget 是区分房间与用户目标的唯一判定，所有入口必须复用它。
func IsRoomTarget(target string) bool {
	return strings.HasPrefix(CanonicalRoom(target), RoomPrefix)
}

// ParseDestination 将原始目标字符串归类为房间或用户；房间 ID 会被规范化。
func ParseDestination(target string) Destination {
	if IsRoomTarget(target) {
		return Destination{Room: CanonicalRoom(target)}
	}
	return Destination{User: strings.TrimSpace(target)}
}
