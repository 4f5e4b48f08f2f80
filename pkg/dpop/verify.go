package dpop

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Proof is a verified DPoP proof.
type Proof struct {
	Header jws.Headers
	Token  jwt.Token
	Key    jwk.Key
}

// Claim returns a payload claim as a string.
func (p *Proof) Claim(name string) string {
	v, ok := p.Token.Get(name)
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

// Verify checks a proof's signature against its embedded jwk and its htm/htu
// binding, freshness and, when accessToken is non-empty, the ath claim.
func Verify(proof, method, rawURL, accessToken string, maxAge time.Duration) (*Proof, error) {
	msg, err := jws.Parse([]byte(proof))
	if err != nil || len(msg.Signatures()) == 0 {
		return nil, errors.New("bad DPoP")
	}
	h := msg.Signatures()[0].ProtectedHeaders()
	if h.Type() != "dpop+jwt" {
		return nil, errors.New("bad typ")
	}
	rawJWK, ok := h.Get(jws.JWKKey)
	if !ok {
		return nil, errors.New("missing jwk header")
	}
	b, _ := json.Marshal(rawJWK)
	key, err := jwk.ParseKey(b)
	if err != nil {
		return nil, errors.New("bad jwk")
	}
	alg := jwa.SignatureAlgorithm(h.Algorithm().String())

	pt, err := jwt.Parse([]byte(proof), jwt.WithKey(alg, key), jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("bad DPoP: %w", err)
	}
	p := &Proof{Header: h, Token: pt, Key: key}
	// htm/htu binding
	if p.Claim("htm") != method {
		return nil, errors.New("htm mismatch")
	}
	want, err := HTU(rawURL)
	if err != nil {
		return nil, err
	}
	if p.Claim("htu") != want {
		return nil, errors.New("htu mismatch")
	}
	// iat freshness
	iat := pt.IssuedAt()
	if iat.IsZero() || (maxAge > 0 && time.Since(iat) > maxAge) {
		return nil, errors.New("stale DPoP")
	}
	if p.Claim(jwt.JwtIDKey) == "" {
		return nil, errors.New("missing jti")
	}
	if accessToken != "" && p.Claim("ath") != Digest(accessToken) {
		return nil, errors.New("ath mismatch")
	}
	return p, nil
}
