package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusCache is a Redis-backed cache for review-request status lookups.
// Status rarely changes between invocations, and every lookup is a network
// round trip to the hosting service, so cached reads keep `status` cheap.
// Paths that decide on status (refresh, retire, merge guard) must not act
// on it; they read through StatusRefresher instead.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewStatusCache connects to Redis and returns a cache with the given TTL.
func NewStatusCache(redisURL string, ttl time.Duration) (*StatusCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &StatusCache{client: client, ttl: ttl, prefix: "reqstatus:"}, nil
}

// NewStatusCacheWithClient wraps an existing Redis client.
func NewStatusCacheWithClient(client *redis.Client, ttl time.Duration) *StatusCache {
	return &StatusCache{client: client, ttl: ttl, prefix: "reqstatus:"}
}

func (c *StatusCache) key(id string) string {
	return c.prefix + id
}

// Get returns the cached state for a request id, or ok=false on a miss.
// Cache errors degrade to a miss; the host remains authoritative.
func (c *StatusCache) Get(ctx context.Context, id string) (RequestState, bool) {
	value, err := c.client.Get(ctx, c.key(id)).Result()
	if err != nil {
		return StateNone, false
	}
	return RequestState(value), true
}

// Put stores the state for a request id with the configured TTL.
func (c *StatusCache) Put(ctx context.Context, id string, state RequestState) {
	_ = c.client.Set(ctx, c.key(id), string(state), c.ttl).Err()
}

// Invalidate drops the cached state for a request id.
func (c *StatusCache) Invalidate(ctx context.Context, id string) {
	_ = c.client.Del(ctx, c.key(id)).Err()
}

// Close closes the Redis connection.
func (c *StatusCache) Close() error {
	return c.client.Close()
}

// cachedHost serves RequestStatus through the cache and passes everything
// else to the underlying host.
type cachedHost struct {
	host  Host
	cache *StatusCache
}

// WithCache wraps host so RequestStatus reads hit Redis first. A nil cache
// returns host unchanged.
func WithCache(host Host, cache *StatusCache) Host {
	if cache == nil {
		return host
	}
	return &cachedHost{host: host, cache: cache}
}

func (h *cachedHost) FindOpenRequest(ctx context.Context, repo, branch string) (string, error) {
	return h.host.FindOpenRequest(ctx, repo, branch)
}

func (h *cachedHost) CreateRequest(ctx context.Context, repo, branch, title string) (string, error) {
	id, err := h.host.CreateRequest(ctx, repo, branch, title)
	if err == nil {
		h.cache.Put(ctx, id, StateOpen)
	}
	return id, err
}

func (h *cachedHost) RequestStatus(ctx context.Context, id string) (RequestState, error) {
	if state, ok := h.cache.Get(ctx, id); ok {
		return state, nil
	}
	state, err := h.host.RequestStatus(ctx, id)
	if err != nil {
		return state, err
	}
	h.cache.Put(ctx, id, state)
	return state, nil
}

func (h *cachedHost) HasOverrideMarker(ctx context.Context, id string) (bool, error) {
	return h.host.HasOverrideMarker(ctx, id)
}

// RefreshStatus drops the cached state, reads live, and re-primes the
// cache with the host's answer.
func (h *cachedHost) RefreshStatus(ctx context.Context, id string) (RequestState, error) {
	h.cache.Invalidate(ctx, id)
	state, err := h.host.RequestStatus(ctx, id)
	if err != nil {
		return state, err
	}
	h.cache.Put(ctx, id, state)
	return state, nil
}
