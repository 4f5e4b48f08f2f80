// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	LogLevel string
	HTTPAddr string // agent listen address (loopback by default)

	// Base for problem type URLs
	PublicURL string

	// Trusted domains (file first, then inline JSON, then postgres if DATABASE_URL is set)
	TrustedDomainsFile string
	TrustedDomainsJSON string
	// Reject init when an endpoint is outside the trusted domains (false = log only)
	StrictDomainValidation bool

	// Token validity wait
	TokenWaitInterval time.Duration
	TokenWaitTimeout  time.Duration

	// Keep-alive residency loop
	KeepAliveBaseInterval time.Duration
	KeepAliveMaxIterations int

	// Outbound
	UpstreamTimeout   time.Duration
	MaxTokenBodyBytes int64

	// Optional rego module evaluated before credentials are attached
	PolicyRegoFile string

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                    env("AGENT_ENV", "dev"),
		LogLevel:               env("LOG_LEVEL", ""),
		HTTPAddr:               env("AGENT_HTTP_ADDR", "127.0.0.1:8787"),
		PublicURL:              env("AGENT_PUBLIC_URL", "http://localhost:8787"),
		TrustedDomainsFile:     env("TRUSTED_DOMAINS_FILE", ""),
		TrustedDomainsJSON:     env("TRUSTED_DOMAINS_JSON", ""),
		StrictDomainValidation: envBool("STRICT_DOMAIN_VALIDATION", true),
		TokenWaitInterval:      envDur("TOKEN_WAIT_INTERVAL_MS", 200) * time.Millisecond,
		TokenWaitTimeout:       envDur("TOKEN_WAIT_TIMEOUT_SEC", 30) * time.Second,
		KeepAliveBaseInterval:  envDur("KEEPALIVE_BASE_INTERVAL_MS", 1000) * time.Millisecond,
		KeepAliveMaxIterations: envInt("KEEPALIVE_MAX_ITERATIONS", 240),
		UpstreamTimeout:        envDur("UPSTREAM_TIMEOUT_SEC", 60) * time.Second,
		MaxTokenBodyBytes:      int64(envInt("MAX_TOKEN_BODY_BYTES", 1<<20)),
		PolicyRegoFile:         env("POLICY_REGO_FILE", ""),
		RedisURL:               env("REDIS_URL", ""),
		DatabaseURL:            env("DATABASE_URL", ""),
	}
	if cfg.TrustedDomainsFile == "" && cfg.TrustedDomainsJSON == "" && cfg.DatabaseURL == "" {
		log.Println("[WARN] no trusted domains source configured; every configuration starts with an empty domain list")
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		b, _ := strconv.ParseBool(v)
		return b
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return time.Duration(i)
	}
	return time.Duration(def)
}
