package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"relaychat/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Cached is a cache-aside decorator over another Gateway. Full history
// queries are served from Redis; appends invalidate the conversation key
// and bump its generation so a fill racing the append is dropped.
// Paged queries always go to the backing store. Redis failures are logged
// and never fail the operation. Concurrent misses on one key share a single
// backing query.
type Cached struct {
	next   Gateway
	client *redis.Client
	prefix string
	ttl    time.Duration
	misses singleflight.Group
}

func NewCached(next Gateway, client *redis.Client, prefix string, ttl time.Duration) *Cached {
	if prefix == "" {
		prefix = "history:"
	}
	return &Cached{next: next, client: client, prefix: prefix, ttl: ttl}
}

func (c *Cached) Append(ctx context.Context, m *models.Message) error {
	if err := c.next.Append(ctx, m); err != nil {
		return err
	}
	key, gen := c.keysFor(m)
	// Bumping the generation fences out fills that read the store before
	// this append.
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, gen)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("history cache invalidate")
	}
	return nil
}

func (c *Cached) Query(ctx context.Context, f Filter) ([]models.Message, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.Paged() {
		return c.next.Query(ctx, f)
	}

	key, gen := c.keysForFilter(f)
	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var msgs []models.Message
		if err := json.Unmarshal(data, &msgs); err == nil {
			return msgs, nil
		}
		log.Warn().Str("key", key).Msg("history cache corrupt entry")
	case !errors.Is(err, redis.Nil):
		log.Warn().Err(err).Str("key", key).Msg("history cache get")
	}

	v, err, shared := c.misses.Do(key, func() (any, error) {
		seen, genErr := c.generation(ctx, gen)
		msgs, err := c.next.Query(ctx, f)
		if err != nil {
			return nil, err
		}
		if genErr != nil {
			log.Warn().Err(genErr).Str("key", key).Msg("history cache generation")
			return msgs, nil
		}
		if data, err := json.Marshal(msgs); err == nil {
			c.fill(ctx, key, gen, seen, data)
		}
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	msgs := v.([]models.Message)
	if shared {
		msgs = append([]models.Message(nil), msgs...)
	}
	return msgs, nil
}

// generation 读取失效计数；键不存在视为 0。
func (c *Cached) generation(ctx context.Context, gen string) (int64, error) {
	n, err := c.client.Get(ctx, gen).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// fill stores data only while the generation still matches the one read
// before the backing query. An append in between aborts the write.
func (c *Cached) fill(ctx context.Context, key, gen string, seen int64, data []byte) {
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		now, err := tx.Get(ctx, gen).Int64()
		if errors.Is(err, redis.Nil) {
			now, err = 0, nil
		}
		if err != nil {
			return err
		}
		if now != seen {
			return redis.TxFailedErr
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			return nil
		})
		return err
	}, gen)
	switch {
	case err == nil:
	case errors.Is(err, redis.TxFailedErr):
		log.Debug().Str("key", key).Msg("history cache fill skipped, history changed")
	default:
		log.Warn().Err(err).Str("key", key).Msg("history cache set")
	}
}

func (c *Cached) keysFor(m *models.Message) (key, gen string) {
	if m.Room != nil {
		return c.keys("room:" + *m.Room)
	}
	return c.keys(conversationID(m.SenderID, *m.ReceiverID))
}

func (c *Cached) keysForFilter(f Filter) (key, gen string) {
	if f.Room != "" {
		return c.keys("room:" + f.Room)
	}
	return c.keys(conversationID(f.UserA, f.UserB))
}

func (c *Cached) keys(id string) (key, gen string) {
	return c.prefix + id, c.prefix + "gen:" + id
}

// conversationID 对两个用户排序，A→B 与 B→A 共用一个键。用户 ID 可能含 ":"，
// 所以每段都带长度前缀。
func conversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return fmt.Sprintf("dm:%d:%s:%d:%s", len(pair[0]), pair[0], len(pair[1]), pair[1])
}
