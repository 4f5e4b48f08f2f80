package interceptor

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jws"

	"oidcagent/internal/store"
)

// StatusLoggedIn is recorded on an entry once a token response is captured.
const StatusLoggedIn = "LOGGED_IN"

const maxIDTokenAge = 7 * 24 * time.Hour

// relayScrubbed captures the tokens of a successful token response into the
// entry and sends the page a copy carrying placeholders instead.
func (i *Interceptor) relayScrubbed(w http.ResponseWriter, r *http.Request, resp *http.Response, key store.Key) {
	if resp.StatusCode != http.StatusOK {
		relay(w, resp)
		return
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, i.MaxBodyBytes+1))
	if err != nil {
		i.fail(w, r, fmt.Errorf("%w: %v", ErrUpstream, err))
		return
	}
	if int64(len(raw)) > i.MaxBodyBytes {
		i.fail(w, r, fmt.Errorf("%w: token response larger than %d bytes", ErrTokensInvalid, i.MaxBodyBytes))
		return
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		i.fail(w, r, fmt.Errorf("%w: %v", ErrTokensInvalid, err))
		return
	}

	nonce := resp.Header.Get("DPoP-Nonce")
	resp.Header.Del("DPoP-Nonce")

	page, err := i.capture(key, body, nonce)
	if err != nil {
		i.fail(w, r, err)
		return
	}
	out, err := json.Marshal(page)
	if err != nil {
		i.fail(w, r, err)
		return
	}
	relayBody(w, resp, out)
}

// capture stores the tokens of body on the entry and returns the page view.
// A refresh token the server did not rotate is kept.
func (i *Interceptor) capture(key store.Key, body map[string]any, dpopNonce string) (map[string]any, error) {
	e, ok := i.Store.Get(key.String())
	if !ok {
		return nil, fmt.Errorf("%w: unknown entry %s", ErrTokensInvalid, key.String())
	}
	now := i.now()

	tok := store.TokensFromMap(body)
	if tok.IssuedAt == 0 {
		tok.IssuedAt = now.Unix()
	}
	if p := jwtPayload(tok.AccessToken); p != nil {
		tok.AccessTokenPayload = p
	}
	if p := jwtPayload(tok.IDToken); p != nil {
		tok.IDTokenPayload = p
	}
	tok.ExpiresAt = expiresAt(tok)

	issuer := ""
	if e.ServerConfiguration != nil {
		issuer = e.ServerConfiguration.Issuer
	}
	if err := validateIDToken(tok.IDTokenPayload, issuer, e.Nonce, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokensInvalid, err)
	}

	stored := *tok
	if stored.RefreshToken == "" && e.Tokens != nil && e.Tokens.RefreshToken != "" {
		stored.RefreshToken = e.Tokens.RefreshToken
	}
	after, _ := i.Store.Update(key, func(en *store.Entry) {
		en.Tokens = &stored
		en.Status = StatusLoggedIn
		if dpopNonce != "" {
			en.DPoPNonce = dpopNonce
		}
	})
	i.Log.Infow("tokens captured", "entry", key.String(), "expiresAt", stored.ExpiresAt, "rotated", tok.RefreshToken != "")
	return store.PageTokens(after, tok), nil
}

// jwtPayload decodes the claims of a compact JWS without verifying it. Opaque
// tokens yield nil.
func jwtPayload(token string) map[string]any {
	if strings.Count(token, ".") != 2 {
		return nil
	}
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil
	}
	var claims map[string]any
	if err := json.Unmarshal(msg.Payload(), &claims); err != nil {
		return nil
	}
	return claims
}

func expiresAt(t *store.Tokens) int64 {
	switch {
	case t.ExpiresAt != 0:
		return t.ExpiresAt
	case t.ExpiresIn != 0:
		return t.IssuedAt + t.ExpiresIn
	case t.AccessTokenPayload != nil && store.Int64(t.AccessTokenPayload["exp"]) != 0:
		return store.Int64(t.AccessTokenPayload["exp"])
	case t.IDTokenPayload != nil && store.Int64(t.IDTokenPayload["exp"]) != 0:
		return store.Int64(t.IDTokenPayload["exp"])
	}
	return 0
}

func validateIDToken(p map[string]any, issuer, nonce string, now time.Time) error {
	if p == nil {
		return nil
	}
	if iss, _ := p["iss"].(string); iss != issuer {
		return fmt.Errorf("issuer %q does not match %q", iss, issuer)
	}
	if exp := store.Int64(p["exp"]); exp != 0 && exp < now.Unix() {
		return fmt.Errorf("id token expired")
	}
	if iat := store.Int64(p["iat"]); iat != 0 && time.Unix(iat, 0).Add(maxIDTokenAge).Before(now) {
		return fmt.Errorf("id token issued more than %s ago", maxIDTokenAge)
	}
	if n, _ := p["nonce"].(string); n != "" && n != nonce {
		return fmt.Errorf("nonce does not match")
	}
	return nil
}
