package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func setupMongo(t *testing.T) *Mongo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := ConnectMongo(ctx, "mongodb://localhost:27017", "relaychat_test_"+uuid.NewString()[:8])
	if err != nil {
		t.Skipf("skip: mongo not available: %v", err)
	}
	t.Cleanup(func() {
		_ = s.coll.Database().Drop(context.Background())
		_ = s.Close(context.Background())
	})
	return s
}

func TestMongo_AppendAndQuery(t *testing.T) {
	s := setupMongo(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, direct("b", "a", "second", base.Add(2*time.Second))))
	require.NoError(t, s.Append(ctx, direct("a", "b", "first", base.Add(time.Second))))
	require.NoError(t, s.Append(ctx, direct("a", "c", "elsewhere", base)))
	require.NoError(t, s.Append(ctx, inRoom("a", "room_x", "r1", base)))
	require.NoError(t, s.Append(ctx, inRoom("b", "room_x", "r2", base)))

	msgs, err := s.Query(ctx, ConversationFilter("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, texts(msgs))

	msgs, err = s.Query(ctx, RoomFilter("ROOM_X"))
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, texts(msgs), "ties keep insertion order")

	msgs, err = s.Query(ctx, Filter{Room: "room_x", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, texts(msgs))
}

func TestObjectSeqIsMonotonic(t *testing.T) {
	prev := objectSeq(primitive.NewObjectID())
	for i := 0; i < 1000; i++ {
		next := objectSeq(primitive.NewObjectID())
		assert.Greater(t, next, prev)
		prev = next
	}
}

func oidAt(ts time.Time, counter uint32) primitive.ObjectID {
	oid := primitive.NewObjectIDFromTimestamp(ts)
	oid[9], oid[10], oid[11] = byte(counter>>16), byte(counter>>8), byte(counter)
	return oid
}

func TestObjectSeq_SecondsDominateCounter(t *testing.T) {
	base := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

	last := objectSeq(oidAt(base, 0xFFFFFF))
	wrapped := objectSeq(oidAt(base.Add(time.Second), 0))
	assert.Greater(t, wrapped, last, "next second sorts after a full counter")

	// ts<<24 needs more than 32 bits.
	assert.Equal(t, uint64(base.Unix())<<24|0xFFFFFF, last)
	assert.Greater(t, last, uint64(1)<<55)
}
