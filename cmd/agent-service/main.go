// cmd/agent-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"oidcagent/internal/agent"
	"oidcagent/internal/interceptor"
	"oidcagent/internal/policy"
	"oidcagent/internal/protocol"
	"oidcagent/pkg/config"
	"oidcagent/pkg/db"
	"oidcagent/pkg/logger"
	"oidcagent/pkg/trust"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	protocol.Version = version

	ctx := context.Background()
	specs := loadTrust(ctx, cfg, log)
	log.Infow("trusted domains loaded", "configurations", len(specs))

	var cache interceptor.ScratchCache = interceptor.NewMemoryCache()
	rdb, err := db.KeepAliveRedis(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatalw("redis", "err", err)
	}
	if rdb != nil {
		defer rdb.Close()
		cache = interceptor.NewRedisCache(rdb)
	}

	var pol *policy.Injection
	if cfg.PolicyRegoFile != "" {
		p, err := policy.Load(ctx, cfg.PolicyRegoFile)
		if err != nil {
			log.Fatalw("policy", "file", cfg.PolicyRegoFile, "err", err)
		}
		pol = p
	}

	a := agent.New(cfg, log, agent.Options{
		Trust:  trust.NewRegistry(specs),
		Cache:  cache,
		Policy: pol,
	})
	a.Start()

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infow("agent-service listening", "addr", cfg.HTTPAddr, "instance", a.ID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdown)
	fmt.Println("agent-service stopped")
}

// loadTrust merges the trusted-domain sources: file, then inline JSON, then
// the trusted_domains table. Later sources override earlier ones per name.
// With a database configured the inline JSON seeds the table instead.
func loadTrust(ctx context.Context, cfg config.Config, log logger.Sugared) map[string]trust.Spec {
	var fromFile map[string]trust.Spec
	if cfg.TrustedDomainsFile != "" {
		m, err := trust.LoadFile(cfg.TrustedDomainsFile)
		if err != nil {
			log.Fatalw("trusted domains file", "path", cfg.TrustedDomainsFile, "err", err)
		}
		fromFile = m
	}

	fromDB, ok, err := db.TrustedDomains(ctx, cfg.DatabaseURL, cfg.TrustedDomainsJSON, log)
	if err != nil {
		log.Fatalw("trusted domains table", "err", err)
	}
	if ok {
		return trust.Merge(fromFile, fromDB)
	}
	fromEnv, err := trust.ParseJSON(cfg.TrustedDomainsJSON)
	if err != nil {
		log.Fatalw("TRUSTED_DOMAINS_JSON", "err", err)
	}
	return trust.Merge(fromFile, fromEnv)
}
