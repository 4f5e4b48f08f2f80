package store

import (
	"strings"
	"time"

	"oidcagent/pkg/dpop"
)

// DefaultTabID is the tab identity every tab collapses to when multi-tab
// login is off. It is also the disambiguation key used when a request
// carries no placeholder.
const DefaultTabID = "default"

// Placeholder prefixes. The suffix is always "_<name>#tabId=<tab>".
const (
	AccessTokenPrefix  = "ACCESS_TOKEN_SECURED_BY_OIDC_SERVICE_WORKER"
	RefreshTokenPrefix = "REFRESH_TOKEN"
	NonceTokenPrefix   = "NONCE_TOKEN"
	CodeVerifierPrefix = "CODE_VERIFIER"
)

// Key identifies one ConfigurationEntry.
type Key struct {
	Name  string
	TabID string
}

func (k Key) String() string { return k.Name + "#tabId=" + k.TabID }

// ParseKey splits "name#tabId=tab". A value without the marker gets the
// default tab.
func ParseKey(s string) Key {
	name, tab, ok := strings.Cut(s, "#tabId=")
	if !ok || tab == "" {
		return Key{Name: strings.SplitN(s, "#", 2)[0], TabID: DefaultTabID}
	}
	return Key{Name: name, TabID: tab}
}

// BaseName strips anything after the first '#'.
func BaseName(configurationName string) string {
	return strings.SplitN(configurationName, "#", 2)[0]
}

func AccessTokenPlaceholder(k Key) string  { return AccessTokenPrefix + "_" + k.String() }
func RefreshTokenPlaceholder(k Key) string { return RefreshTokenPrefix + "_" + k.String() }
func NonceTokenPlaceholder(k Key) string   { return NonceTokenPrefix + "_" + k.String() }
func CodeVerifierPlaceholder(k Key) string { return CodeVerifierPrefix + "_" + k.String() }

// ServerConfiguration is the endpoint set an init command supplies.
type ServerConfiguration struct {
	TokenEndpoint      string `json:"tokenEndpoint,omitempty"`
	RevocationEndpoint string `json:"revocationEndpoint,omitempty"`
	UserInfoEndpoint   string `json:"userInfoEndpoint,omitempty"`
	Issuer             string `json:"issuer,omitempty"`
}

// Endpoints lists the absolute URLs init validates against the trusted domains.
func (c ServerConfiguration) Endpoints() []string {
	return []string{c.TokenEndpoint, c.RevocationEndpoint, c.UserInfoEndpoint, c.Issuer}
}

// Entry is the per (configuration, tab) record. Empty strings stand for
// "not set".
type Entry struct {
	Key Key

	Tokens       *Tokens
	State        string
	CodeVerifier string
	Nonce        string
	SessionState string
	Status       string

	ServerConfiguration *ServerConfiguration
	OIDCConfiguration   map[string]any

	HideAccessToken                        bool
	SetAccessTokenToNavigateRequests       bool
	ConvertAllRequestsToCorsExceptNavigate bool
	AllowMultiTabLogin                     bool

	DPoPConfiguration         *dpop.Configuration
	DPoPKey                   *dpop.Key
	DPoPNonce                 string
	DPoPOnlyWhenHeaderPresent bool
}

// Clear resets every secret and flow value and records status. The entry
// itself and its configuration survive.
func (e *Entry) Clear(status string) {
	e.Tokens = nil
	e.State = ""
	e.CodeVerifier = ""
	e.Nonce = ""
	e.DPoPNonce = ""
	e.DPoPKey = nil
	e.DPoPConfiguration = nil
	e.DPoPOnlyWhenHeaderPresent = false
	e.Status = status
}

// HasAccessToken reports whether the entry holds a usable access token.
func (e Entry) HasAccessToken() bool { return e.Tokens != nil && e.Tokens.AccessToken != "" }

// DPoPReady reports whether proofs can be minted for this entry.
func (e Entry) DPoPReady() bool { return e.DPoPConfiguration != nil && e.DPoPKey != nil }

// IsTokenValid reports whether t has not expired at now. A record without an
// expiry is considered valid.
func IsTokenValid(t *Tokens, now time.Time) bool {
	if t == nil {
		return false
	}
	if t.ExpiresAt == 0 {
		return true
	}
	return t.ExpiresAt > now.Unix()
}

// PageTokens is the page-visible form of t: the refresh token and, when the
// entry hides it, the access token are replaced by placeholders, as is the
// id token nonce while a nonce is stored.
func PageTokens(e Entry, t *Tokens) map[string]any {
	out := t.Map()
	if e.HideAccessToken {
		out["access_token"] = AccessTokenPlaceholder(e.Key)
	}
	if t.RefreshToken != "" {
		out["refresh_token"] = RefreshTokenPlaceholder(e.Key)
	}
	if p, ok := out["idTokenPayload"].(map[string]any); ok {
		if _, has := p["nonce"]; has && e.Nonce != "" {
			p["nonce"] = NonceTokenPlaceholder(e.Key)
		}
	}
	return out
}
