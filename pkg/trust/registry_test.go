package trust

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
app1:
  domains: ["idp.example", "https://api.example.com"]
  showAccessToken: false
  allowMultiTabLogin: true
  demonstratingProofOfPossession: true
  demonstratingProofOfPossessionConfiguration:
    jwtHeaderAlgorithm: ES384
legacy:
  - https://old.example
open:
  domains: ["*"]
  showAccessToken: true
  setAccessTokenToNavigateRequests: false
  convertAllRequestsToCorsExceptNavigate: true
  oidcDomains: ["https://login.example"]
`

func TestParseYAML_TaggedVariant(t *testing.T) {
	specs, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, specs, 3)

	assert.True(t, specs["legacy"].IsLegacy())
	assert.False(t, specs["app1"].IsLegacy())

	lp := specs["legacy"].Policy()
	assert.False(t, lp.AllowMultiTabLogin)
	assert.True(t, lp.HideAccessToken)
	assert.True(t, lp.SetAccessTokenToNavigateRequests)
	assert.False(t, lp.ConvertAllRequestsToCorsExceptNavigate)
	assert.Nil(t, lp.DPoP)
	assert.Equal(t, []string{"https://old.example"}, lp.OIDCDomains)

	ap := specs["app1"].Policy()
	assert.True(t, ap.AllowMultiTabLogin)
	assert.True(t, ap.HideAccessToken)
	require.NotNil(t, ap.DPoP)
	assert.Equal(t, "ES384", ap.DPoP.Algorithm)
	assert.False(t, ap.DPoPOnlyWhenHeaderPresent)

	op := specs["open"].Policy()
	assert.False(t, op.HideAccessToken)
	assert.False(t, op.SetAccessTokenToNavigateRequests)
	assert.True(t, op.ConvertAllRequestsToCorsExceptNavigate)
	assert.Equal(t, []string{"https://login.example"}, op.OIDCDomains)
	assert.Equal(t, []string{"*"}, op.AccessTokenDomains)
}

func TestParseJSON_RoundTripsShape(t *testing.T) {
	specs, err := ParseJSON(`{"a":["https://x.example"],"b":{"domains":["y.example"],"showAccessToken":true}}`)
	require.NoError(t, err)
	assert.True(t, specs["a"].IsLegacy())
	assert.False(t, specs["b"].Policy().HideAccessToken)

	raw, err := json.Marshal(specs["a"])
	require.NoError(t, err)
	assert.JSONEq(t, `["https://x.example"]`, string(raw))
}

func TestRegistry_LookupRegistersUnknownAsLegacy(t *testing.T) {
	r := NewRegistry(nil)
	s := r.Lookup("nobody")
	assert.True(t, s.IsLegacy())
	assert.Contains(t, r.Names(), "nobody")
	_, ok := r.DPoPPolicyFor("nobody")
	assert.False(t, ok)
}

func TestRegistry_Matches(t *testing.T) {
	r := NewRegistry(nil)
	cases := []struct {
		domains []string
		url     string
		want    bool
	}{
		{[]string{"*"}, "https://anything.example/x", true},
		{[]string{"idp.example"}, "https://idp.example/token", true},
		{[]string{"idp.example"}, "https://idp.example.evil/token", false},
		{[]string{"https://api.example.com"}, "https://API.example.com:443/orders", true},
		{[]string{"https://api.example.com"}, "https://api.example.com.evil.org/", false},
		{[]string{"https://api.example.com/v1"}, "https://api.example.com/v10", false},
		{[]string{"https://api.example.com/v1"}, "https://api.example.com/v1/x", true},
		{[]string{`/^https://[a-z]+\.example\.org/`}, "https://tenant.example.org/a", true},
		{[]string{`/^https://[a-z]+\.example\.org/`}, "https://tenant.example.com/a", false},
		{nil, "https://api.example.com", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, r.Matches(c.domains, c.url), "%v %s", c.domains, c.url)
	}
}

func TestRegistry_ValidateDomain(t *testing.T) {
	r := NewRegistry(nil)
	assert.NoError(t, r.ValidateDomain([]string{"idp.example"}, "https://idp.example/token"))
	assert.NoError(t, r.ValidateDomain([]string{"idp.example"}, ""))
	assert.ErrorIs(t, r.ValidateDomain([]string{"idp.example"}, "https://other.example/token"), ErrUntrustedDomain)
	assert.True(t, HasAny([]string{"a", "*"}))
}

func TestMerge(t *testing.T) {
	m := Merge(map[string]Spec{"a": Legacy("x")}, map[string]Spec{"a": Legacy("y")})
	assert.Equal(t, []string{"y"}, m["a"].Policy().OIDCDomains)
}
