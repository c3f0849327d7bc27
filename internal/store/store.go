//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks

// Package store is the durable message log: append-only writes and
// conversation queries ordered by creation time.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"relaychat/internal/models"
)

// MaxLimit caps a single page of history.
const MaxLimit = 200

var (
	ErrInvalidFilter  = errors.New("filter must name a room or two users")
	ErrInvalidMessage = errors.New("invalid message")
)

// Gateway 是消息持久化的窄接口，路由与 HTTP 层只依赖它。
type Gateway interface {
	// Append persists m. On success m carries its stored id, sequence and
	// creation time.
	Append(ctx context.Context, m *models.Message) error
	// Query returns the matching messages ordered by creation time
	// ascending, ties broken by insertion order.
	Query(ctx context.Context, f Filter) ([]models.Message, error)
}

// Filter selects either a room's messages or the two-way conversation
// between UserA and UserB.
type Filter struct {
	Room  string
	UserA string
	UserB string

	// Limit keeps only the most recent Limit messages (still returned in
	// ascending order). Zero means everything.
	Limit int
	// BeforeSeq pages backwards: only messages inserted before this sequence.
	BeforeSeq uint64
}

func RoomFilter(room string) Filter {
	return Filter{Room: models.CanonicalRoom(room)}
}

func ConversationFilter(a, b string) Filter {
	return Filter{UserA: a, UserB: b}
}

// Validate 检查过滤条件并规范化 Limit。
func (f *Filter) Validate() error {
	f.Room = models.CanonicalRoom(f.Room)
	f.UserA = strings.TrimSpace(f.UserA)
	f.UserB = strings.TrimSpace(f.UserB)
	isRoom := f.Room != ""
	isConv := f.UserA != "" && f.UserB != ""
	if isRoom == isConv {
		return ErrInvalidFilter
	}
	switch {
	case f.Limit < 0:
		f.Limit = 0
	case f.Limit > MaxLimit:
		f.Limit = MaxLimit
	}
	return nil
}

// Paged reports whether the filter asks for a window rather than the whole
// history.
func (f Filter) Paged() bool { return f.Limit > 0 || f.BeforeSeq > 0 }

func checkMessage(m *models.Message) error {
	if m.ID == "" || m.SenderID == "" {
		return fmt.Errorf("%w: missing id or sender", ErrInvalidMessage)
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}
