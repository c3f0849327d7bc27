package service

import (
	"context"
	"sort"
	"strings"

	"relaychat/internal/models"
	"relaychat/internal/rooms"
	"relaychat/internal/routing"
	"relaychat/internal/store"

	"github.com/samber/lo"
)

// Sender routes a message; implemented by routing.Router.
type Sender interface {
	Route(ctx context.Context, senderID, destination, text string) (*models.Message, error)
}

// Presence lists the users currently online.
type Presence interface {
	Online() []string
}

// Rooms exposes the in-memory room membership.
type Rooms interface {
	MembersOf(room string) []string
	Rooms() map[string]int
}

// Chat 是 REST 层使用的聊天门面：发送、历史查询与在线状态。
type Chat struct {
	sender   Sender
	store    store.Gateway
	presence Presence
	rooms    Rooms
}

func NewChat(sender Sender, s store.Gateway, p Presence, r Rooms) *Chat {
	return &Chat{sender: sender, store: s, presence: p, rooms: r}
}

// Page 描述历史查询的分页窗口；零值表示完整历史。
type Page struct {
	Limit     int
	BeforeSeq uint64
}

// RoomDTO 是对外输出的房间数据。
type RoomDTO struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

// SendMessage 发送一条消息，目标按房间前缀约定区分房间与用户。
func (s *Chat) SendMessage(ctx context.Context, senderID, destination, text string) (*models.Message, error) {
	return s.sender.Route(ctx, senderID, destination, text)
}

// ListMessages returns the history behind destination as seen by requester:
// a room's messages, or the two-way conversation between requester and the
// destination user. Results are ordered by creation time ascending.
func (s *Chat) ListMessages(ctx context.Context, requesterID, destination string, page Page) ([]models.Message, error) {
	if page.Limit < 0 {
		return nil, invalid(ErrInvalidPage)
	}
	var f store.Filter
	dest := models.ParseDestination(destination)
	switch {
	case dest.IsRoom():
		id, err := rooms.Canonical(dest.Room)
		if err != nil {
			return nil, invalid(routing.ErrInvalidDestination)
		}
		f = store.RoomFilter(id)
	case dest.User != "":
		requesterID = strings.TrimSpace(requesterID)
		if requesterID == "" {
			return nil, invalid(ErrInvalidRequester)
		}
		f = store.ConversationFilter(requesterID, dest.User)
	default:
		return nil, invalid(routing.ErrInvalidDestination)
	}
	f.Limit = page.Limit
	f.BeforeSeq = page.BeforeSeq

	msgs, err := s.store.Query(ctx, f)
	if err != nil {
		return nil, &routing.StorageError{Err: err}
	}
	return msgs, nil
}

func (s *Chat) ListOnlineUsers() []string {
	return s.presence.Online()
}

// RoomMembers 返回房间成员（含离线成员）；未知房间返回空列表。
func (s *Chat) RoomMembers(room string) (string, []string, error) {
	id, err := rooms.Canonical(room)
	if err != nil {
		return "", nil, invalid(err)
	}
	return id, s.rooms.MembersOf(id), nil
}

// Rooms 返回当前存活的房间及成员数，按房间 ID 排序。
func (s *Chat) Rooms() []RoomDTO {
	out := lo.MapToSlice(s.rooms.Rooms(), func(id string, n int) RoomDTO {
		return RoomDTO{ID: id, Members: n}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
