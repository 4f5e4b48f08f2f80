// Package db opens the agent's optional backing stores: the postgres table
// holding trusted domains and the redis instance receiving keep-alive writes.
package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"oidcagent/pkg/logger"
	"oidcagent/pkg/trust"
)

const connectTimeout = 10 * time.Second

// TrustedDomains reads the trusted_domains table named by dsn. The table is
// created on first use and upserted from seedJSON (TRUSTED_DOMAINS_JSON). A
// seed that fails to write is still honoured from memory, overriding the
// rows it names. ok is false when dsn is empty.
func TrustedDomains(ctx context.Context, dsn, seedJSON string, log logger.Sugared) (specs map[string]trust.Spec, ok bool, err error) {
	if dsn == "" {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, true, fmt.Errorf("trusted domains: connect %s: %w", redactDSN(dsn), err)
	}
	// rows are read once at boot; nothing holds the pool afterwards
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return nil, true, fmt.Errorf("trusted domains: ping %s: %w", redactDSN(dsn), err)
	}
	if err := trust.EnsureSchema(ctx, pool); err != nil {
		return nil, true, fmt.Errorf("trusted domains: schema: %w", err)
	}

	var overlay map[string]trust.Spec
	if err := trust.SeedFromJSON(ctx, pool, seedJSON); err != nil {
		log.Warnw("trusted domains seed not stored", "err", err)
		if m, perr := trust.ParseJSON(seedJSON); perr == nil {
			overlay = m
		}
	}
	rows, err := trust.LoadPostgres(ctx, pool)
	if err != nil {
		return nil, true, fmt.Errorf("trusted domains: load: %w", err)
	}
	log.Infow("trusted domains table loaded", "host", redactDSN(dsn), "configurations", len(rows))
	return trust.Merge(rows, overlay), true, nil
}

// KeepAliveRedis opens the redis client behind the keep-alive scratch cache.
// A nil client with a nil error means REDIS_URL is unset.
func KeepAliveRedis(ctx context.Context, url string, log logger.Sugared) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("keepalive redis: %w", err)
	}
	cli := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("keepalive redis %s: %w", opts.Addr, err)
	}
	log.Infow("keepalive cache on redis", "addr", opts.Addr)
	return cli, nil
}

// redactDSN hides the credentials of a postgres URL for logs.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	if s := strings.Index(dsn, "://"); s >= 0 && s < at {
		return dsn[:s+3] + "***@" + dsn[at+1:]
	}
	return "***@" + dsn[at+1:]
}
