package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const displayNameKeyPrefix = "libris:account:name:"

// CachedDirectory is a read-through Redis cache in front of another Directory.
// Cache failures are logged and bypassed; they never fail a lookup on their own.
type CachedDirectory struct {
	log    *slog.Logger
	client redis.UniversalClient
	next   Directory
	ttl    time.Duration
}

// NewCachedDirectory wraps next with a Redis cache.
func NewCachedDirectory(log *slog.Logger, client redis.UniversalClient, next Directory, ttl time.Duration) *CachedDirectory {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedDirectory{log: log, client: client, next: next, ttl: ttl}
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	if rawURL == "" {
		return nil, errors.New("redis: empty url")
	}
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

func (d *CachedDirectory) DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	ids = uniqueIDs(ids)
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = displayNameKey(id)
	}

	missing := ids
	vals, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		d.log.Warn("identity.cache.get.fail", "err", err)
	} else {
		missing = missing[:0:0]
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				missing = append(missing, ids[i])
				continue
			}
			out[ids[i]] = s
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := d.next.DisplayNames(ctx, missing)
	if err != nil {
		return nil, err
	}

	pipe := d.client.Pipeline()
	for id, name := range fetched {
		out[id] = name
		pipe.Set(ctx, displayNameKey(id), name, d.ttl)
	}
	if len(fetched) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			d.log.Warn("identity.cache.set.fail", "err", err, "count", len(fetched))
		}
	}
	return out, nil
}

// Invalidate drops cached names for ids, e.g. after a rename in the account service.
func (d *CachedDirectory) Invalidate(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = displayNameKey(id)
	}
	return d.client.Del(ctx, keys...).Err()
}

func displayNameKey(id int64) string {
	return displayNameKeyPrefix + strconv.FormatInt(id, 10)
}
