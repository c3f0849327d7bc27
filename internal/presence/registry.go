// Package presence tracks live connections and which user each one is bound
// to. A user has at most one bound connection; the latest bind wins.
package presence

import (
	"sort"
	"sync"

	"relaychat/internal/event"
	"relaychat/internal/metrics"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Registry 是进程内的在线状态表，所有读写都经过同一把锁。
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]event.Conn // conn id -> every live connection, bound or not
	byUser map[string]event.Conn
	byConn map[string]string // conn id -> bound user
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]event.Conn),
		byUser: make(map[string]event.Conn),
		byConn: make(map[string]string),
	}
}

// Attach 登记一个刚建立的连接，使其能收到在线列表广播。
func (r *Registry) Attach(c event.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
	c.Send(event.OnlineUsers(r.onlineLocked()))
}

// Detach 在连接断开时调用，先做带归属校验的 Unbind，再移出连接表。
func (r *Registry) Detach(c event.Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, unbound := r.unbindLocked(c)
	delete(r.conns, c.ID())
	if unbound {
		r.broadcastLocked()
	}
	return user, unbound
}

// Bind registers c as the live connection of user and broadcasts the new
// online list. An empty user is dropped: identity was already validated
// upstream, so there is nothing useful to report.
func (r *Registry) Bind(user string, c event.Conn) {
	if user == "" {
		log.Debug().Str("conn_id", c.ID()).Msg("presence bind without user dropped")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	// The same connection re-running setup under another identity.
	if prev, ok := r.byConn[c.ID()]; ok && prev != user {
		if cur, ok := r.byUser[prev]; ok && cur.ID() == c.ID() {
			delete(r.byUser, prev)
		}
	}
	// A newer connection takes over the user; the old one stays attached
	// but is no longer bound.
	if old, ok := r.byUser[user]; ok && old.ID() != c.ID() {
		delete(r.byConn, old.ID())
		log.Info().Str("user_id", user).Str("old_conn_id", old.ID()).Str("conn_id", c.ID()).Msg("presence rebind")
	}
	if _, ok := r.conns[c.ID()]; !ok {
		r.conns[c.ID()] = c
	}
	r.byUser[user] = c
	r.byConn[c.ID()] = user
	r.broadcastLocked()
}

// Unbind 解除连接与用户的绑定；仅当该用户当前仍指向此连接时才删除，
// 避免旧连接的延迟断开覆盖掉重连后的新绑定。
func (r *Registry) Unbind(c event.Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.unbindLocked(c)
	if ok {
		r.broadcastLocked()
	}
	return user, ok
}

func (r *Registry) unbindLocked(c event.Conn) (string, bool) {
	user, ok := r.byConn[c.ID()]
	if !ok {
		return "", false
	}
	delete(r.byConn, c.ID())
	cur, ok := r.byUser[user]
	if !ok || cur.ID() != c.ID() {
		return user, false
	}
	delete(r.byUser, user)
	return user, true
}

// Resolve returns the live connection of user, if any.
func (r *Registry) Resolve(user string) (event.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[user]
	return c, ok
}

// UserOf returns the user currently bound to the connection.
func (r *Registry) UserOf(c event.Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.byConn[c.ID()]
	return user, ok
}

// Online 返回当前在线用户 ID，按字典序排序。
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

// Connections returns the number of attached connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) onlineLocked() []string {
	users := lo.Keys(r.byUser)
	sort.Strings(users)
	return users
}

// Sends are non-blocking enqueues, so broadcasting under the lock keeps
// every client's view in mutation order without waiting on the network.
func (r *Registry) broadcastLocked() {
	online := r.onlineLocked()
	metrics.OnlineUsers.Set(float64(len(online)))
	evt := event.OnlineUsers(online)
	for _, c := range r.conns {
		if !c.Send(evt) {
			metrics.DeliveriesTotal.WithLabelValues("dropped").Inc()
			log.Warn().Str("conn_id", c.ID()).Msg("online users broadcast dropped")
		}
	}
}
