package interceptor

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"oidcagent/pkg/logger"
)

// KeepAliveFile marks liveness pings in a request URL.
const KeepAliveFile = "OidcKeepAliveServiceWorker.json"

const (
	defaultKeepAliveIterations = 240
	keepAliveCachePrefix       = "oidc_dummy_cache:"
	keepAliveBody              = "{}"
)

// ScratchCache receives one write per keep-alive iteration.
type ScratchCache interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisCache writes keep-alive entries to redis.
type RedisCache struct{ rdb *redis.Client }

func NewRedisCache(rdb *redis.Client) *RedisCache { return &RedisCache{rdb: rdb} }

func (c *RedisCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// MemoryCache is the in-process fallback.
type MemoryCache struct {
	mu sync.Mutex
	m  map[string][]byte
	n  int
}

func NewMemoryCache() *MemoryCache { return &MemoryCache{m: map[string][]byte{}} }

func (c *MemoryCache) Put(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	c.n++
	return nil
}

// Writes reports how many puts happened.
func (c *MemoryCache) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// KeepAlive holds a liveness ping open for a while so the agent's host keeps
// it resident. Pings carrying the oidc-vanilla header are answered at once.
type KeepAlive struct {
	Cache         ScratchCache
	Base          time.Duration
	MaxIterations int
	Log           logger.Sugared

	// Jitter returns a value in [0, n). Defaults to math/rand.
	Jitter func(n int64) int64
}

func NewKeepAlive(cache ScratchCache, base time.Duration, maxIterations int, log logger.Sugared) *KeepAlive {
	return &KeepAlive{Cache: cache, Base: base, MaxIterations: maxIterations, Log: log}
}

func (k *KeepAlive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, vanilla := r.Header[http.CanonicalHeaderKey("oidc-vanilla")]; !vanilla {
		k.hold(r)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(keepAliveBody))
}

func (k *KeepAlive) hold(r *http.Request) {
	ctx := r.Context()
	n := k.iterations(r)
	key := keepAliveCachePrefix + r.URL.String()
	for it := 0; it < n; it++ {
		t := time.NewTimer(k.Base + time.Duration(k.jitter(int64(k.Base))))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if err := k.Cache.Put(ctx, key, []byte(keepAliveBody), 10*time.Minute); err != nil {
			k.Log.Debugw("keepalive cache write failed", "err", err)
		}
	}
}

// iterations reads minSleepSeconds, falling back to 240 and capping at
// MaxIterations.
func (k *KeepAlive) iterations(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("minSleepSeconds"))
	if err != nil || n <= 0 {
		n = defaultKeepAliveIterations
	}
	if k.MaxIterations > 0 && n > k.MaxIterations {
		n = k.MaxIterations
	}
	return n
}

func (k *KeepAlive) jitter(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if k.Jitter != nil {
		return k.Jitter(n)
	}
	return rand.Int63n(n)
}
