package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"relaychat/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMiniRedis starts an in-process Redis for the test.
func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// setupRedis connects to a local Redis server and skips when none runs.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCached_ServesAndInvalidates(t *testing.T) {
	client := newMiniRedis(t)
	backing := &countingGateway{Gateway: NewGorm(setupTestDB(t))}
	s := NewCached(backing, client, "test:", time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Append(ctx, direct("a", "b", "one", now)))

	msgs, err := s.Query(ctx, ConversationFilter("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, texts(msgs))

	n, err := client.Exists(ctx, "test:dm:1:a:1:b").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "full history is cached under the sorted pair key")

	msgs, err = s.Query(ctx, ConversationFilter("b", "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, texts(msgs))
	assert.Equal(t, 1, backing.count(), "second read is a cache hit")

	// B→A shares the key; the append must invalidate it.
	require.NoError(t, s.Append(ctx, direct("b", "a", "two", now.Add(time.Second))))
	msgs, err = s.Query(ctx, ConversationFilter("b", "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, texts(msgs))
	assert.Equal(t, 2, backing.count())
}

func TestCached_ConversationKeysDoNotCollide(t *testing.T) {
	client := newMiniRedis(t)
	s := NewCached(NewGorm(setupTestDB(t)), client, "", time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, direct("a:b", "c", "secret for c", time.Now().UTC())))

	msgs, err := s.Query(ctx, ConversationFilter("a:b", "c"))
	require.NoError(t, err)
	assert.Equal(t, []string{"secret for c"}, texts(msgs))

	msgs, err = s.Query(ctx, ConversationFilter("a", "b:c"))
	require.NoError(t, err)
	assert.Empty(t, msgs, "a<->b:c is a different conversation")
}

func TestCached_AppendDuringMissIsNotLost(t *testing.T) {
	client := newMiniRedis(t)
	backing := &blockingGateway{
		Gateway: NewGorm(setupTestDB(t)),
		read:    make(chan struct{}),
		release: make(chan struct{}),
	}
	s := NewCached(backing, client, "", time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Append(ctx, inRoom("a", "room_x", "one", now)))

	type result struct {
		msgs []models.Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		msgs, err := s.Query(ctx, RoomFilter("room_x"))
		done <- result{msgs, err}
	}()

	<-backing.read
	require.NoError(t, s.Append(ctx, inRoom("b", "room_x", "two", now.Add(time.Second))))
	close(backing.release)

	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, []string{"one"}, texts(first.msgs), "the racing read saw the old snapshot")

	msgs, err := s.Query(ctx, RoomFilter("room_x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, texts(msgs))
}

func TestCached_PagedQueriesBypassCache(t *testing.T) {
	client := newMiniRedis(t)
	s := NewCached(NewGorm(setupTestDB(t)), client, "test:", time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, inRoom("a", "room_x", "one", time.Now().UTC())))
	_, err := s.Query(ctx, Filter{Room: "room_x", Limit: 10})
	require.NoError(t, err)

	n, err := client.Exists(ctx, "test:room:room_x").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCached_LiveRedis(t *testing.T) {
	client := setupRedis(t)
	prefix := "test:" + uuid.NewString() + ":"
	s := NewCached(NewGorm(setupTestDB(t)), client, prefix, time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})

	require.NoError(t, s.Append(ctx, direct("a", "b", "one", now)))
	msgs, err := s.Query(ctx, ConversationFilter("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, texts(msgs))

	require.NoError(t, s.Append(ctx, direct("b", "a", "two", now.Add(time.Second))))
	msgs, err = s.Query(ctx, ConversationFilter("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, texts(msgs))
}

// countingGateway counts backing queries to tell hits from misses.
type countingGateway struct {
	Gateway
	mu      sync.Mutex
	queries int
}

func (g *countingGateway) Query(ctx context.Context, f Filter) ([]models.Message, error) {
	g.mu.Lock()
	g.queries++
	g.mu.Unlock()
	return g.Gateway.Query(ctx, f)
}

func (g *countingGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queries
}

// blockingGateway holds its first query after reading, until released.
type blockingGateway struct {
	Gateway
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (g *blockingGateway) Query(ctx context.Context, f Filter) ([]models.Message, error) {
	msgs, err := g.Gateway.Query(ctx, f)
	g.once.Do(func() {
		close(g.read)
		<-g.release
	})
	return msgs, err
}

// stubGateway counts backing calls; the cache must fall through to it when
// Redis is unreachable.
type stubGateway struct {
	appends int
	queries int
	msgs    []models.Message
}

func (g *stubGateway) Append(_ context.Context, _ *models.Message) error {
	g.appends++
	return nil
}

func (g *stubGateway) Query(_ context.Context, _ Filter) ([]models.Message, error) {
	g.queries++
	return g.msgs, nil
}

func TestCached_RedisDownFallsThrough(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	backing := &stubGateway{msgs: []models.Message{{ID: "m1", Text: "one"}}}
	s := NewCached(backing, client, "", time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, direct("a", "b", "one", time.Now().UTC())))
	for i := 0; i < 2; i++ {
		msgs, err := s.Query(ctx, ConversationFilter("a", "b"))
		require.NoError(t, err)
		assert.Equal(t, []string{"one"}, texts(msgs))
	}
	assert.Equal(t, 1, backing.appends)
	assert.Equal(t, 2, backing.queries)

	_, err := s.Query(ctx, Filter{})
	assert.ErrorIs(t, err, ErrInvalidFilter)
	assert.Equal(t, 2, backing.queries)
}
