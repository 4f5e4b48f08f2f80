package agent

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidcagent/internal/interceptor"
	"oidcagent/internal/protocol"
	"oidcagent/internal/store"
	"oidcagent/pkg/config"
	"oidcagent/pkg/logger"
	"oidcagent/pkg/trust"
)

func testConfig() config.Config {
	return config.Config{
		Env:                    "test",
		StrictDomainValidation: true,
		TokenWaitInterval:      10 * time.Millisecond,
		TokenWaitTimeout:       time.Second,
		KeepAliveBaseInterval:  time.Millisecond,
		KeepAliveMaxIterations: 3,
		UpstreamTimeout:        5 * time.Second,
	}
}

// idp serves a token endpoint that only accepts the real code verifier and
// an API that echoes the credential it received.
func idp(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			b, _ := io.ReadAll(r.Body)
			form, _ := url.ParseQuery(string(b))
			if form.Get("code_verifier") != "cv-secret" {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`))
		case "/api":
			_, _ = w.Write([]byte(r.Header.Get("Authorization")))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	agent *Agent
	reg   *prometheus.Registry
	srv   *httptest.Server
	proxy *http.Client
}

func newHarness(t *testing.T, specs map[string]trust.Spec) *harness {
	t.Helper()
	reg := prometheus.NewRegistry()
	a := New(testConfig(), logger.Nop(), Options{Trust: trust.NewRegistry(specs), Registry: reg})
	a.Start()
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	proxyURL, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return &harness{
		agent: a,
		reg:   reg,
		srv:   srv,
		proxy: &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}},
	}
}

func (h *harness) send(t *testing.T, m protocol.Message) *http.Response {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	resp, err := http.Post(h.srv.URL+"/messages", "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func data(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestAuthorizationCodeFlowThroughProxy(t *testing.T) {
	up := idp(t)
	h := newHarness(t, map[string]trust.Spec{"app1": trust.Legacy(up.URL, "https://idp.example")})

	resp := h.send(t, protocol.Message{Type: protocol.TypeInit, ConfigurationName: "app1", Data: data(t, map[string]any{
		"oidcServerConfiguration": map[string]any{"tokenEndpoint": up.URL + "/token", "issuer": "https://idp.example"},
		"oidcConfiguration":       map[string]any{},
	})})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.send(t, protocol.Message{Type: protocol.TypeSetCodeVerifier, ConfigurationName: "app1", Data: data(t, map[string]any{"codeVerifier": "cv-secret"})})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.send(t, protocol.Message{Type: protocol.TypeGetCodeVerifier, ConfigurationName: "app1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reply map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	assert.Equal(t, store.CodeVerifierPlaceholder(store.Key{Name: "app1", TabID: store.DefaultTabID}), reply["codeVerifier"])

	form := "grant_type=authorization_code&code=c-1&code_verifier=" + url.QueryEscape(reply["codeVerifier"].(string))
	tokResp, err := h.proxy.Post(up.URL+"/token", "application/x-www-form-urlencoded", strings.NewReader(form))
	require.NoError(t, err)
	defer tokResp.Body.Close()
	require.Equal(t, http.StatusOK, tokResp.StatusCode)
	var page map[string]any
	require.NoError(t, json.NewDecoder(tokResp.Body).Decode(&page))
	access, _ := page["access_token"].(string)
	assert.True(t, strings.HasPrefix(access, store.AccessTokenPrefix+"_app1"), access)
	assert.NotEqual(t, "at-1", page["access_token"])

	req, err := http.NewRequest(http.MethodGet, up.URL+"/api", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+access)
	apiResp, err := h.proxy.Do(req)
	require.NoError(t, err)
	defer apiResp.Body.Close()
	body, _ := io.ReadAll(apiResp.Body)
	assert.Equal(t, "Bearer at-1", string(body))

	assert.Equal(t, float64(1), testutil.ToFloat64(h.agent.Metrics.fetches.WithLabelValues("mediated_code")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.agent.Metrics.fetches.WithLabelValues("injected_bearer")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.agent.Metrics.messages.WithLabelValues("init")))
	assert.Equal(t, 1, testutil.CollectAndCount(h.agent.Metrics.tokenWait))

	e, ok := h.agent.Store.Get("app1#tabId=default")
	require.True(t, ok)
	assert.Equal(t, interceptor.StatusLoggedIn, e.Status)
}

func TestClaimMarksInstanceControlling(t *testing.T) {
	h := newHarness(t, nil)
	assert.False(t, h.agent.Controlling())

	resp := h.send(t, protocol.Message{Type: protocol.TypeClaim})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, h.agent.Controlling())
	assert.Equal(t, 0, h.agent.Store.Len())

	health, err := http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	var got map[string]any
	require.NoError(t, json.NewDecoder(health.Body).Decode(&got))
	assert.Equal(t, h.agent.ID, got["instance"])
	assert.Equal(t, true, got["controlling"])
}

func TestUnknownMessageHasNoReply(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.send(t, protocol.Message{Type: "reticulate", ConfigurationName: "app1"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Empty(t, b)
	_, ok := h.agent.Store.Get("app1#tabId=default")
	assert.True(t, ok)
}

func TestUntrustedIssuerIsRejected(t *testing.T) {
	up := idp(t)
	h := newHarness(t, map[string]trust.Spec{"app1": trust.Legacy(up.URL)})

	resp := h.send(t, protocol.Message{Type: protocol.TypeInit, ConfigurationName: "app1", Data: data(t, map[string]any{
		"oidcServerConfiguration": map[string]any{"tokenEndpoint": up.URL + "/token", "issuer": "https://idp.example"},
	})})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	e, ok := h.agent.Store.Get("app1#tabId=default")
	require.True(t, ok)
	assert.Nil(t, e.ServerConfiguration)
}

func TestConnectIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodConnect, "/", nil)
	req.URL = &url.URL{Host: "api.example:443"}
	req.RequestURI = "api.example:443"
	rec := httptest.NewRecorder()
	h.agent.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestKeepAliveThroughProxy(t *testing.T) {
	up := idp(t)
	h := newHarness(t, nil)

	resp, err := h.proxy.Get(up.URL + "/" + interceptor.KeepAliveFile + "?minSleepSeconds=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "{}", string(b))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.agent.Metrics.fetches.WithLabelValues("keepalive")))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.agent.Metrics.ObserveFetch("passthrough")

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), `oidc_agent_fetch_total{outcome="passthrough"} 1`)
}
