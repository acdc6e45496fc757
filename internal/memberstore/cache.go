package memberstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a read-through cache for member lookups. RedisCache is the only
// implementation; it is an interface so effector tests can run without a
// Redis instance.
type Cache interface {
	GetMember(ctx context.Context, id string) (Member, bool)
	SetMember(ctx context.Context, m Member)
	GetTags(ctx context.Context, id string) ([]Tag, bool)
	SetTags(ctx context.Context, id string, tags []Tag)
	Invalidate(ctx context.Context, id string)
}

// RedisCache caches member lookups in Redis/Valkey: "cache:"-prefixed keys,
// JSON-encoded values, explicit TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache builds a RedisCache against an already-parsed client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl}
}

func memberKey(id string) string { return "cache:member:" + id }
func tagsKey(id string) string   { return "cache:member_tags:" + id }

func (c *RedisCache) GetMember(ctx context.Context, id string) (Member, bool) {
	data, err := c.client.Get(ctx, memberKey(id)).Bytes()
	if err != nil {
		return Member{}, false
	}
	var m Member
	if err := json.Unmarshal(data, &m); err != nil {
		return Member{}, false
	}
	return m, true
}

func (c *RedisCache) SetMember(ctx context.Context, m Member) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.client.Set(ctx, memberKey(m.ID), data, c.ttl)
}

func (c *RedisCache) GetTags(ctx context.Context, id string) ([]Tag, bool) {
	data, err := c.client.Get(ctx, tagsKey(id)).Bytes()
	if err != nil {
		return nil, false
	}
	var tags []Tag
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, false
	}
	return tags, true
}

func (c *RedisCache) SetTags(ctx context.Context, id string, tags []Tag) {
	data, err := json.Marshal(tags)
	if err != nil {
		return
	}
	c.client.Set(ctx, tagsKey(id), data, c.ttl)
}

func (c *RedisCache) Invalidate(ctx context.Context, id string) {
	c.client.Del(ctx, memberKey(id), tagsKey(id))
}

// NewRedisClient parses a Redis connection URL and verifies connectivity
// before handing the client back, the same check-on-construct pattern used
// elsewhere in this repo for Postgres and bus directories.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("memberstore: parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("memberstore: connecting to redis: %w", err)
	}
	return client, nil
}
