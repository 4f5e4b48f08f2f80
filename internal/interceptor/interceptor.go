package interceptor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"oidcagent/internal/policy"
	"oidcagent/internal/store"
	"oidcagent/pkg/dpop"
	"oidcagent/pkg/httputil"
	"oidcagent/pkg/logger"
	"oidcagent/pkg/trust"
)

// Fetch modes as carried by Sec-Fetch-Mode.
const (
	ModeNavigate = "navigate"
	ModeCORS     = "cors"
)

// Authorizer vets a credential injection before it happens.
type Authorizer interface {
	Allow(ctx context.Context, in policy.Input) (bool, error)
}

// Observer receives per-request outcomes.
type Observer interface {
	ObserveFetch(outcome string)
	ObserveTokenWait(d time.Duration)
}

// Interceptor decides, per outbound request, whether and how credentials
// are attached. It is an http.Handler for absolute-form requests.
type Interceptor struct {
	Store  *store.Store
	Trust  *trust.Registry
	Engine dpop.Engine
	Client *http.Client
	Log    logger.Sugared

	KeepAlive  http.Handler
	Authorizer Authorizer
	Observer   Observer

	WaitInterval    time.Duration
	WaitTimeout     time.Duration
	UpstreamTimeout time.Duration
	MaxBodyBytes    int64

	Now func() time.Time
}

func New(st *store.Store, reg *trust.Registry, engine dpop.Engine, client *http.Client, log logger.Sugared) *Interceptor {
	return &Interceptor{
		Store:           st,
		Trust:           reg,
		Engine:          engine,
		Client:          client,
		Log:             log,
		WaitInterval:    200 * time.Millisecond,
		WaitTimeout:     30 * time.Second,
		UpstreamTimeout: 60 * time.Second,
		MaxBodyBytes:    1 << 20,
		Now:             time.Now,
	}
}

// TargetURL is the normalised absolute URL of an intercepted request, or ""
// for an origin-form request.
func TargetURL(r *http.Request) string {
	if r.URL == nil || !r.URL.IsAbs() || r.URL.Host == "" {
		return ""
	}
	return httputil.NormalizeURL(r.URL.String())
}

func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := TargetURL(r)
	if target == "" {
		http.Error(w, "absolute-form request required", http.StatusBadRequest)
		return
	}
	if strings.Contains(target, KeepAliveFile) && i.KeepAlive != nil {
		i.observe("keepalive")
		i.KeepAlive.ServeHTTP(w, r)
		return
	}

	scheme, key := parseAuthorization(r.Header.Get("Authorization"))
	candidates := i.Store.MatchByURL(target, i.Trust)
	if e, ok := store.Select(candidates, key); ok && e.HasAccessToken() {
		i.inject(w, r, target, e, scheme)
		return
	}
	if r.Method != http.MethodPost {
		i.observe("passthrough")
		i.forward(w, r, target, r.Header, nil)
		return
	}
	i.mediate(w, r, target)
}

// parseAuthorization returns the credential scheme (Bearer when absent) and
// the disambiguation key embedded in an access token placeholder.
func parseAuthorization(v string) (scheme, key string) {
	scheme, key = "Bearer", store.DefaultTabID
	if v == "" {
		return
	}
	s, cred, _ := strings.Cut(v, " ")
	scheme = s
	if _, after, ok := strings.Cut(cred, store.AccessTokenPrefix+"_"); ok {
		key = after
	}
	return
}

func (i *Interceptor) inject(w http.ResponseWriter, r *http.Request, target string, e store.Entry, scheme string) {
	ctx := r.Context()
	e, err := i.waitValid(ctx, e.Key)
	if err != nil {
		i.fail(w, r, err)
		return
	}
	if !e.HasAccessToken() {
		// tokens were cleared while waiting
		i.observe("passthrough")
		i.forward(w, r, target, r.Header, nil)
		return
	}

	mode := r.Header.Get("Sec-Fetch-Mode")
	header := r.Header.Clone()
	if mode != ModeNavigate && e.ConvertAllRequestsToCorsExceptNavigate {
		header.Set("Sec-Fetch-Mode", ModeCORS)
	}

	if mode == ModeNavigate && !e.SetAccessTokenToNavigateRequests {
		i.observe("navigate_passthrough")
		i.forward(w, r, target, header, nil)
		return
	}

	if i.Authorizer != nil {
		allowed, err := i.Authorizer.Allow(ctx, policy.Input{
			Configuration: e.Key.Name, URL: target, Method: r.Method, Mode: mode, Scheme: scheme,
		})
		if err != nil {
			i.Log.Errorw("injection policy failed", "entry", e.Key.String(), "err", err)
		}
		if err != nil || !allowed {
			i.observe("policy_denied")
			i.forward(w, r, target, header, nil)
			return
		}
	}

	// Restricted DPoP only applies when the page itself asked for the DPoP
	// scheme; otherwise the page headers go out with a Bearer credential.
	wantsDPoP := strings.EqualFold(scheme, "dpop") ||
		(e.DPoPConfiguration != nil && !e.DPoPOnlyWhenHeaderPresent)
	if wantsDPoP {
		ok, err := i.attachProof(header, r, target, e, map[string]any{"ath": dpop.Digest(e.Tokens.AccessToken)})
		if err != nil {
			i.fail(w, r, err)
			return
		}
		if ok {
			header.Set("Authorization", "DPoP "+e.Tokens.AccessToken)
			i.observe("injected_dpop")
			i.forward(w, r, target, header, nil)
			return
		}
		// no key material yet
		if strings.EqualFold(scheme, "dpop") {
			scheme = "Bearer"
		}
	}
	header.Set("Authorization", scheme+" "+e.Tokens.AccessToken)
	i.observe("injected_bearer")
	i.forward(w, r, target, header, nil)
}

// attachProof sets the DPoP proof and cached nonce on header when the entry
// has key material and its policy allows a proof for this request.
func (i *Interceptor) attachProof(header http.Header, r *http.Request, target string, e store.Entry, claims map[string]any) (bool, error) {
	if !e.DPoPReady() {
		return false, nil
	}
	if e.DPoPOnlyWhenHeaderPresent && !hasDPoPHeader(r) {
		return false, nil
	}
	if e.DPoPNonce != "" {
		claims["nonce"] = e.DPoPNonce
	}
	proof, err := i.Engine.GenerateProof(*e.DPoPConfiguration, e.DPoPKey, r.Method, target, claims)
	if err != nil {
		return false, fmt.Errorf("dpop proof: %w", err)
	}
	header.Set("DPoP", proof)
	if e.DPoPNonce != "" {
		header.Set("Nonce", e.DPoPNonce)
	}
	return true, nil
}

func hasDPoPHeader(r *http.Request) bool {
	_, present := httputil.SerializeHeaders(r.Header)["dpop"]
	return present
}

// waitValid polls the entry until its tokens are valid, gone, or the wait
// is abandoned.
func (i *Interceptor) waitValid(ctx context.Context, k store.Key) (store.Entry, error) {
	start := i.now()
	defer func() {
		if i.Observer != nil {
			i.Observer.ObserveTokenWait(i.now().Sub(start))
		}
	}()
	timeout, interval := i.WaitTimeout, i.WaitInterval
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		e, ok := i.Store.Get(k.String())
		if !ok || e.Tokens == nil || store.IsTokenValid(e.Tokens, i.now()) {
			return e, nil
		}
		select {
		case <-ctx.Done():
			return store.Entry{}, fmt.Errorf("%w: %v", ErrTokenWaitTimeout, ctx.Err())
		case <-deadline.C:
			return store.Entry{}, fmt.Errorf("%w: %s after %s", ErrTokenWaitTimeout, k.String(), timeout)
		case <-tick.C:
		}
	}
}

func (i *Interceptor) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

func (i *Interceptor) upstreamTimeout() time.Duration {
	if i.UpstreamTimeout > 0 {
		return i.UpstreamTimeout
	}
	return 60 * time.Second
}

func (i *Interceptor) observe(outcome string) {
	if i.Observer != nil {
		i.Observer.ObserveFetch(outcome)
	}
}

func (i *Interceptor) fail(w http.ResponseWriter, r *http.Request, err error) {
	i.observe("error")
	i.Log.Warnw("intercepted request failed", "method", r.Method, "url", TargetURL(r), "err", err)
	writeError(w, err)
}
