package rooms

import (
	"fmt"
	"sync"
	"testing"

	"relaychat/internal/event"
	"relaychat/internal/event/eventtest"
	"relaychat/internal/presence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, users ...string) (*Registry, *presence.Registry, map[string]*eventtest.Conn) {
	t.Helper()
	p := presence.NewRegistry()
	conns := make(map[string]*eventtest.Conn, len(users))
	for _, u := range users {
		c := eventtest.NewConn("conn-" + u)
		p.Attach(c)
		p.Bind(u, c)
		conns[u] = c
	}
	return NewRegistry(p), p, conns
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"room_abc", "room_abc", false},
		{"Room_ABC", "room_abc", false},
		{" ROOM_Lobby ", "room_lobby", false},
		{"room_", "", true},
		{"lobby", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Canonical(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRoom)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry_JoinIsIdempotent(t *testing.T) {
	r, _, _ := setup(t, "u1")

	_, _, err := r.Join("room_x", "u1", "conn-u1")
	require.NoError(t, err)
	_, members, err := r.Join("room_x", "u1", "conn-u1")
	require.NoError(t, err)

	assert.Equal(t, []string{"u1"}, members)
	assert.Len(t, r.MembersOf("room_x"), 1)
}

func TestRegistry_JoinNormalizesCase(t *testing.T) {
	r, _, _ := setup(t, "u1", "u2")

	id, _, err := r.Join("Room_ABC", "u1", "conn-u1")
	require.NoError(t, err)
	assert.Equal(t, "room_abc", id)
	_, _, err = r.Join("room_abc", "u2", "conn-u2")
	require.NoError(t, err)

	assert.Equal(t, []string{"u1", "u2"}, r.MembersOf("ROOM_abc"))
	assert.Equal(t, map[string]int{"room_abc": 2}, r.Rooms())
}

func TestRegistry_JoinRejectsInvalidInput(t *testing.T) {
	r, _, _ := setup(t)

	_, _, err := r.Join("general", "u1", "c1")
	assert.ErrorIs(t, err, ErrInvalidRoom)
	_, _, err = r.Join("room_x", " ", "c1")
	assert.ErrorIs(t, err, ErrInvalidUser)
	assert.Empty(t, r.Rooms())
}

func TestRegistry_JoinBroadcastsMembersToRoom(t *testing.T) {
	r, _, conns := setup(t, "u1", "u2", "u3")

	_, _, err := r.Join("room_x", "u1", "conn-u1")
	require.NoError(t, err)
	_, _, err = r.Join("room_x", "u2", "conn-u2")
	require.NoError(t, err)

	evt, ok := conns["u1"].Last(event.TypeRoomMembers)
	require.True(t, ok)
	assert.Equal(t, "room_x", evt.Room)
	assert.Equal(t, []string{"u1", "u2"}, evt.Members)

	evt, ok = conns["u2"].Last(event.TypeRoomMembers)
	require.True(t, ok, "the joining member gets the list too")
	assert.Equal(t, []string{"u1", "u2"}, evt.Members)

	assert.Empty(t, conns["u3"].OfType(event.TypeRoomMembers), "non-members hear nothing")
}

func TestRegistry_Leave(t *testing.T) {
	r, _, conns := setup(t, "u1", "u2")
	_, _, _ = r.Join("room_x", "u1", "conn-u1")
	_, _, _ = r.Join("room_x", "u2", "conn-u2")

	_, members, err := r.Leave("ROOM_X", "u2", "conn-u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, members)

	evt, ok := conns["u1"].Last(event.TypeRoomMembers)
	require.True(t, ok)
	assert.Equal(t, []string{"u1"}, evt.Members)

	// Leaving again, or leaving a room never joined, is a no-op.
	_, _, err = r.Leave("room_x", "u2", "conn-u2")
	require.NoError(t, err)
	_, _, err = r.Leave("room_other", "u2", "conn-u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, r.MembersOf("room_x"))
}

func TestRegistry_EmptyRoomIsEvicted(t *testing.T) {
	r, _, _ := setup(t, "u1")
	_, _, _ = r.Join("room_x", "u1", "conn-u1")

	_, members, err := r.Leave("room_x", "u1", "conn-u1")
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.Empty(t, r.Rooms())
	assert.Empty(t, r.MembersOf("room_x"))
}

func TestRegistry_StaleLeaveKeepsReconnectedMember(t *testing.T) {
	r, p, _ := setup(t, "u1")
	_, _, _ = r.Join("room_x", "u1", "conn-u1")

	fresh := eventtest.NewConn("conn-u1-b")
	p.Attach(fresh)
	p.Bind("u1", fresh)
	_, _, _ = r.Join("room_x", "u1", "conn-u1-b")

	// Old connection's cleanup arrives after the reconnect.
	_, _, err := r.Leave("room_x", "u1", "conn-u1")
	require.NoError(t, err)

	assert.True(t, r.IsMember("room_x", "u1"))
}

func TestRegistry_DeliverSkipsOfflineMembers(t *testing.T) {
	r, p, conns := setup(t, "u1", "u2", "u3")
	_, _, _ = r.Join("room_x", "u1", "conn-u1")
	_, _, _ = r.Join("room_x", "u2", "conn-u2")
	_, _, _ = r.Join("room_y", "u3", "conn-u3")
	p.Detach(conns["u2"])

	delivered, dropped := r.Deliver("Room_X", event.Typing("room_x", "u1", true))

	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, dropped)
	assert.Len(t, conns["u1"].OfType(event.TypeTyping), 1)
	assert.Empty(t, conns["u2"].OfType(event.TypeTyping))
	assert.Empty(t, conns["u3"].OfType(event.TypeTyping))
	assert.Equal(t, []string{"u1", "u2"}, r.MembersOf("room_x"), "offline members stay in the room")
}

func TestRegistry_DeliverCountsDropped(t *testing.T) {
	r, _, conns := setup(t, "u1", "u2")
	_, _, _ = r.Join("room_x", "u1", "conn-u1")
	_, _, _ = r.Join("room_x", "u2", "conn-u2")
	conns["u2"].Reject()

	delivered, dropped := r.Deliver("room_x", event.Typing("room_x", "u1", false))
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, dropped)
}

func TestRegistry_ConcurrentJoinAndDeliver(t *testing.T) {
	users := make([]string, 20)
	for i := range users {
		users[i] = fmt.Sprintf("u%d", i)
	}
	r, _, conns := setup(t, users...)

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(2)
		go func(u string) {
			defer wg.Done()
			_, _, _ = r.Join("room_x", u, "conn-"+u)
		}(u)
		go func() {
			defer wg.Done()
			r.Deliver("room_x", event.Typing("room_x", "u0", true))
		}()
	}
	wg.Wait()

	assert.Len(t, r.MembersOf("room_x"), len(users))

	// After all joins completed, one more delivery reaches every member once.
	for _, c := range conns {
		c.Reset()
	}
	delivered, _ := r.Deliver("room_x", event.Typing("room_x", "u0", false))
	assert.Equal(t, len(users), delivered)
	for _, c := range conns {
		assert.Len(t, c.OfType(event.TypeTyping), 1)
	}
}
