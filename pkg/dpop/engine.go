package dpop

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrUnsupportedAlgorithm is returned for a jwtHeaderAlgorithm the engine cannot sign with.
var ErrUnsupportedAlgorithm = errors.New("dpop: unsupported algorithm")

// Configuration is the per-configuration DPoP policy taken from the trusted domains file.
type Configuration struct {
	Algorithm string `yaml:"jwtHeaderAlgorithm" json:"jwtHeaderAlgorithm"`
}

// DefaultConfiguration signs with ES256 on P-256.
func DefaultConfiguration() Configuration {
	return Configuration{Algorithm: jwa.ES256.String()}
}

func (c Configuration) algorithm() jwa.SignatureAlgorithm {
	if c.Algorithm == "" {
		return jwa.ES256
	}
	return jwa.SignatureAlgorithm(c.Algorithm)
}

// Key is the key material bound to one configuration entry.
type Key struct {
	alg     jwa.SignatureAlgorithm
	private jwk.Key
	public  jwk.Key
}

// Algorithm returns the JWS algorithm the key signs with.
func (k *Key) Algorithm() string { return k.alg.String() }

// PublicJWK returns the public half embedded into every proof.
func (k *Key) PublicJWK() jwk.Key { return k.public }

// Thumbprint returns the base64url SHA-256 JWK thumbprint (the cnf.jkt value).
func (k *Key) Thumbprint() (string, error) {
	tp, err := k.public.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// Engine generates keys and proofs. JWXEngine is the production implementation.
type Engine interface {
	GenerateKey(cfg Configuration) (*Key, error)
	GenerateProof(cfg Configuration, key *Key, method, rawURL string, claims map[string]any) (string, error)
}

// JWXEngine signs proofs with lestrrat-go/jwx.
type JWXEngine struct {
	Now func() time.Time
}

func NewEngine() *JWXEngine { return &JWXEngine{Now: time.Now} }

// GenerateKey creates a fresh key pair for cfg's algorithm.
func (e *JWXEngine) GenerateKey(cfg Configuration) (*Key, error) {
	alg := cfg.algorithm()
	var raw any
	var err error
	switch alg {
	case jwa.ES256:
		raw, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case jwa.ES384:
		raw, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case jwa.ES512:
		raw, err = ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case jwa.RS256, jwa.RS384, jwa.RS512, jwa.PS256, jwa.PS384, jwa.PS512:
		raw, err = rsa.GenerateKey(rand.Reader, 2048)
	case jwa.EdDSA:
		_, raw, err = ed25519.GenerateKey(rand.Reader)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
	if err != nil {
		return nil, fmt.Errorf("generate %s key: %w", alg, err)
	}
	priv, err := jwk.FromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("wrap private key: %w", err)
	}
	if err := priv.Set(jwk.AlgorithmKey, alg); err != nil {
		return nil, err
	}
	pub, err := priv.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &Key{alg: alg, private: priv, public: pub}, nil
}

// GenerateProof signs a proof for method and rawURL. Extra claims (ath, nonce)
// are merged into the payload; they cannot override jti, htm, htu or iat.
func (e *JWXEngine) GenerateProof(cfg Configuration, key *Key, method, rawURL string, claims map[string]any) (string, error) {
	if key == nil {
		return "", errors.New("dpop: no key material")
	}
	htu, err := HTU(rawURL)
	if err != nil {
		return "", err
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	tok := jwt.New()
	for k, v := range claims {
		if err := tok.Set(k, v); err != nil {
			return "", fmt.Errorf("set claim %s: %w", k, err)
		}
	}
	_ = tok.Set(jwt.JwtIDKey, uuid.NewString())
	_ = tok.Set("htm", method)
	_ = tok.Set("htu", htu)
	_ = tok.Set(jwt.IssuedAtKey, now())

	hdrs := jws.NewHeaders()
	_ = hdrs.Set(jws.TypeKey, "dpop+jwt")
	if err := hdrs.Set(jws.JWKKey, key.public); err != nil {
		return "", fmt.Errorf("embed jwk: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(key.alg, key.private, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", fmt.Errorf("sign proof: %w", err)
	}
	return string(signed), nil
}

// Digest returns base64url(SHA-256(value)), the form used by the ath claim.
func Digest(value string) string {
	h := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// HTU normalises a request URL for the htu claim: lowercase scheme and host,
// default port removed, query and fragment dropped.
func HTU(rawURL string) (string, error) {
	if rawURL == "" {
		return "", errors.New("dpop: URL cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("dpop: URL must have scheme and host")
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" {
		if !((scheme == "https" && port == "443") || (scheme == "http" && port == "80")) {
			host = host + ":" + port
		}
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path, nil
}

var _ Engine = (*JWXEngine)(nil)
