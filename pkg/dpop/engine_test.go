package dpop

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateProof_VerifiesWithEmbeddedKey(t *testing.T) {
	e := NewEngine()
	for _, alg := range []string{"ES256", "ES384", "RS256", "EdDSA"} {
		t.Run(alg, func(t *testing.T) {
			cfg := Configuration{Algorithm: alg}
			key, err := e.GenerateKey(cfg)
			require.NoError(t, err)
			assert.Equal(t, alg, key.Algorithm())

			proof, err := e.GenerateProof(cfg, key, "GET", "https://API.example:443/orders?page=2#x", map[string]any{"ath": Digest("abc")})
			require.NoError(t, err)

			p, err := Verify(proof, "GET", "https://api.example/orders", "abc", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, "https://api.example/orders", p.Claim("htu"))
			assert.NotEmpty(t, p.Claim("jti"))
		})
	}
}

func TestGenerateProof_ExtraClaimsCannotOverrideBinding(t *testing.T) {
	e := NewEngine()
	cfg := DefaultConfiguration()
	key, err := e.GenerateKey(cfg)
	require.NoError(t, err)

	proof, err := e.GenerateProof(cfg, key, "POST", "https://idp.example/token", map[string]any{"htm": "GET", "nonce": "n-1"})
	require.NoError(t, err)

	p, err := Verify(proof, "POST", "https://idp.example/token", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "n-1", p.Claim("nonce"))
}

func TestGenerateProof_UniqueJTI(t *testing.T) {
	e := NewEngine()
	cfg := DefaultConfiguration()
	key, err := e.GenerateKey(cfg)
	require.NoError(t, err)

	a, err := e.GenerateProof(cfg, key, "GET", "https://api.example/", nil)
	require.NoError(t, err)
	b, err := e.GenerateProof(cfg, key, "GET", "https://api.example/", nil)
	require.NoError(t, err)

	pa, err := Verify(a, "GET", "https://api.example/", "", 0)
	require.NoError(t, err)
	pb, err := Verify(b, "GET", "https://api.example/", "", 0)
	require.NoError(t, err)
	assert.NotEqual(t, pa.Claim("jti"), pb.Claim("jti"))
}

func TestVerify_Rejections(t *testing.T) {
	e := NewEngine()
	cfg := DefaultConfiguration()
	key, err := e.GenerateKey(cfg)
	require.NoError(t, err)
	proof, err := e.GenerateProof(cfg, key, "GET", "https://api.example/a", map[string]any{"ath": Digest("tok")})
	require.NoError(t, err)

	_, err = Verify(proof, "POST", "https://api.example/a", "tok", time.Minute)
	assert.EqualError(t, err, "htm mismatch")
	_, err = Verify(proof, "GET", "https://api.example/b", "tok", time.Minute)
	assert.EqualError(t, err, "htu mismatch")
	_, err = Verify(proof, "GET", "https://api.example/a", "other", time.Minute)
	assert.EqualError(t, err, "ath mismatch")
	_, err = Verify("not-a-jws", "GET", "https://api.example/a", "", time.Minute)
	assert.Error(t, err)
}

func TestGenerateKey_Unsupported(t *testing.T) {
	_, err := NewEngine().GenerateKey(Configuration{Algorithm: "HS256"})
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestDigest(t *testing.T) {
	h := sha256.Sum256([]byte("abc"))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(h[:]), Digest("abc"))
}

func TestHTU(t *testing.T) {
	cases := map[string]string{
		"https://Example.COM:443/a/b?q=1#f": "https://example.com/a/b",
		"http://example.com:80":             "http://example.com/",
		"http://example.com:8080/x":         "http://example.com:8080/x",
	}
	for in, want := range cases {
		got, err := HTU(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := HTU("/relative")
	assert.Error(t, err)
}

func TestKeyThumbprint(t *testing.T) {
	key, err := NewEngine().GenerateKey(DefaultConfiguration())
	require.NoError(t, err)
	tp, err := key.Thumbprint()
	require.NoError(t, err)
	assert.Len(t, tp, 43)
}
