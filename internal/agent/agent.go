// Package agent assembles the credential agent: token store, message
// dispatcher, request interceptor and the HTTP surface that fronts them.
package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"oidcagent/internal/interceptor"
	"oidcagent/internal/policy"
	"oidcagent/internal/protocol"
	"oidcagent/internal/store"
	"oidcagent/pkg/config"
	"oidcagent/pkg/dpop"
	"oidcagent/pkg/logger"
	"oidcagent/pkg/middleware"
	"oidcagent/pkg/problems"
	"oidcagent/pkg/trust"
)

// Options carries the collaborators built by the process entry point.
type Options struct {
	Trust *trust.Registry
	// Cache receives keep-alive writes. Nil uses an in-memory cache.
	Cache interceptor.ScratchCache
	// Policy is the optional injection policy.
	Policy *policy.Injection
	// Transport is the outbound round tripper. Nil uses http.DefaultTransport.
	Transport http.RoundTripper
	// Registry receives the agent metrics. Nil uses the prometheus default.
	Registry *prometheus.Registry
}

// Agent is one running instance.
type Agent struct {
	ID string

	Store       *store.Store
	Dispatcher  *protocol.Dispatcher
	Interceptor *interceptor.Interceptor
	Metrics     *Metrics

	cfg         config.Config
	log         logger.Sugared
	policy      *policy.Injection
	metrics     http.Handler
	controlling atomic.Bool
}

func New(cfg config.Config, log logger.Sugared, opts Options) *Agent {
	reg := opts.Trust
	if reg == nil {
		reg = trust.NewRegistry(nil)
	}
	cache := opts.Cache
	if cache == nil {
		cache = interceptor.NewMemoryCache()
	}

	a := &Agent{
		ID:     strconv.FormatInt(time.Now().Unix(), 10),
		Store:  store.New(),
		cfg:    cfg,
		policy: opts.Policy,
	}
	a.log = log.With("instance", a.ID)

	if opts.Registry != nil {
		a.Metrics = NewMetrics(opts.Registry)
		a.metrics = promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})
	} else {
		a.Metrics = NewMetrics(prometheus.DefaultRegisterer)
		a.metrics = promhttp.Handler()
	}

	engine := dpop.NewEngine()

	d := protocol.NewDispatcher(a.Store, reg, engine, a.log.Named("protocol"))
	d.StrictDomains = cfg.StrictDomainValidation
	d.OnClaim = a.claim
	d.Observer = a.Metrics
	a.Dispatcher = d

	client := interceptor.NewClient(middleware.Transport(cfg, opts.Transport))
	ic := interceptor.New(a.Store, reg, engine, client, a.log.Named("interceptor"))
	if cfg.TokenWaitInterval > 0 {
		ic.WaitInterval = cfg.TokenWaitInterval
	}
	if cfg.TokenWaitTimeout > 0 {
		ic.WaitTimeout = cfg.TokenWaitTimeout
	}
	if cfg.UpstreamTimeout > 0 {
		ic.UpstreamTimeout = cfg.UpstreamTimeout
	}
	if cfg.MaxTokenBodyBytes > 0 {
		ic.MaxBodyBytes = cfg.MaxTokenBodyBytes
	}
	base := cfg.KeepAliveBaseInterval
	if base <= 0 {
		base = time.Second
	}
	ic.KeepAlive = interceptor.NewKeepAlive(cache, base, cfg.KeepAliveMaxIterations, a.log.Named("keepalive"))
	if opts.Policy != nil {
		ic.Authorizer = opts.Policy
	}
	ic.Observer = a.Metrics
	a.Interceptor = ic
	return a
}

// Start logs the install and activation steps. An instance serves
// intercepted requests as soon as it is activated.
func (a *Agent) Start() {
	a.log.Infow("installed", "version", protocol.Version)
	a.log.Infow("activated", "strictDomains", a.cfg.StrictDomainValidation, "policy", a.policy != nil)
}

// Controlling reports whether a claim message made this instance take over
// its clients.
func (a *Agent) Controlling() bool { return a.controlling.Load() }

func (a *Agent) claim(context.Context) error {
	if !a.controlling.Swap(true) {
		a.log.Infow("claimed clients")
	}
	return nil
}

// Handler routes absolute-form requests to the interceptor and everything
// else to the control plane.
func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(a.log))
	r.Use(middleware.DebugWriteHeader(a.log))
	r.Use(middleware.Tracing(a.cfg))
	r.Use(a.divert)

	r.Get("/healthz", a.health)
	r.Get("/metrics", a.metrics.ServeHTTP)
	protocol.RegisterHTTP(r, a.Dispatcher)
	policy.RegisterHTTP(r, a.policy)
	return r
}

// divert hands intercepted fetches to the interceptor before routing.
func (a *Agent) divert(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodConnect {
			problems.Write(w, http.StatusMethodNotAllowed, "connect-unsupported", "CONNECT not supported", "Send requests in absolute form")
			return
		}
		if interceptor.TargetURL(r) != "" {
			a.Interceptor.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Agent) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"instance":    a.ID,
		"version":     protocol.Version,
		"controlling": a.Controlling(),
		"entries":     a.Store.Len(),
	})
}
