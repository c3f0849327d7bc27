// Package rooms keeps room membership in memory and fans events out to the
// live connections of room members.
package rooms

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"relaychat/internal/event"
	"relaychat/internal/metrics"
	"relaychat/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

var (
	ErrInvalidRoom = errors.New("invalid room id")
	ErrInvalidUser = errors.New("invalid user id")
)

// Resolver 按用户查找在线连接，由 presence.Registry 实现。
type Resolver interface {
	Resolve(user string) (event.Conn, bool)
}

// Registry maps canonical room ids to their members. Each membership is held
// by one or more connections; the user stays a member until the last of
// them leaves, so a late cleanup of a dead connection cannot evict the
// user's newer session.
type Registry struct {
	mu       sync.RWMutex
	members  map[string]map[string]map[string]struct{} // room -> user -> conn ids
	presence Resolver
}

func NewRegistry(presence Resolver) *Registry {
	return &Registry{
		members:  make(map[string]map[string]map[string]struct{}),
		presence: presence,
	}
}

// Canonical 规范化房间 ID；不符合房间前缀约定的 ID 返回 ErrInvalidRoom。
func Canonical(room string) (string, error) {
	id := models.CanonicalRoom(room)
	if !models.IsRoomTarget(id) || len(id) == len(models.RoomPrefix) {
		return "", ErrInvalidRoom
	}
	return id, nil
}

// Join adds user to room on behalf of connection connID and broadcasts the
// member list to the room. Joining twice is a no-op for the member set.
func (r *Registry) Join(room, user, connID string) (string, []string, error) {
	id, err := Canonical(room)
	if err != nil {
		return "", nil, err
	}
	if strings.TrimSpace(user) == "" {
		return "", nil, ErrInvalidUser
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	users, ok := r.members[id]
	if !ok {
		users = make(map[string]map[string]struct{})
		r.members[id] = users
		metrics.ActiveRooms.Set(float64(len(r.members)))
	}
	holders, ok := users[user]
	if !ok {
		holders = make(map[string]struct{})
		users[user] = holders
	}
	holders[connID] = struct{}{}

	members := sortedKeys(users)
	r.deliverLocked(id, event.RoomMembers(id, members))
	log.Debug().Str("room", id).Str("user_id", user).Int("members", len(members)).Msg("room join")
	return id, members, nil
}

// Leave 释放 connID 对该房间的占用；用户没有任何连接占用时才移出成员集合。
// 重复离开是幂等的。成员为空的房间会被回收。
func (r *Registry) Leave(room, user, connID string) (string, []string, error) {
	id, err := Canonical(room)
	if err != nil {
		return "", nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	users, ok := r.members[id]
	if !ok {
		return id, nil, nil
	}
	holders, ok := users[user]
	if !ok {
		return id, sortedKeys(users), nil
	}
	delete(holders, connID)
	if len(holders) > 0 {
		return id, sortedKeys(users), nil
	}
	delete(users, user)

	members := sortedKeys(users)
	if len(users) == 0 {
		delete(r.members, id)
		metrics.ActiveRooms.Set(float64(len(r.members)))
	} else {
		r.deliverLocked(id, event.RoomMembers(id, members))
	}
	log.Debug().Str("room", id).Str("user_id", user).Int("members", len(members)).Msg("room leave")
	return id, members, nil
}

// MembersOf returns the sorted member ids of room. Offline members are
// included.
func (r *Registry) MembersOf(room string) []string {
	id := models.CanonicalRoom(room)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.members[id])
}

func (r *Registry) IsMember(room, user string) bool {
	id := models.CanonicalRoom(room)
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id][user]
	return ok
}

// Rooms 返回当前所有房间及其成员数。
func (r *Registry) Rooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.MapValues(r.members, func(users map[string]map[string]struct{}, _ string) int {
		return len(users)
	})
}

// Deliver pushes evt to the live connection of every member of room,
// resolving connections at dispatch time. Members without a live connection
// are skipped; sends that the connection refuses are counted as dropped.
func (r *Registry) Deliver(room string, evt event.Event) (delivered, dropped int) {
	id := models.CanonicalRoom(room)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deliverLocked(id, evt)
}

func (r *Registry) deliverLocked(room string, evt event.Event) (delivered, dropped int) {
	for user := range r.members[room] {
		c, ok := r.presence.Resolve(user)
		if !ok {
			continue
		}
		if c.Send(evt) {
			delivered++
			continue
		}
		dropped++
		log.Warn().Str("room", room).Str("user_id", user).Str("conn_id", c.ID()).Str("type", evt.Type).Msg("room delivery dropped")
	}
	return delivered, dropped
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
