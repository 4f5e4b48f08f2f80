package interceptor

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"oidcagent/internal/store"
	"oidcagent/pkg/dpop"
	"oidcagent/pkg/httputil"
)

var (
	secretPlaceholderRe = regexp.MustCompile(`(` + store.RefreshTokenPrefix + `|` + store.AccessTokenPrefix + `)_([^&\s"]+)`)
	codeVerifierRe      = regexp.MustCompile(store.CodeVerifierPrefix + `_([^&\s"]+)`)
	codeVerifierFieldRe = regexp.MustCompile(`code_verifier=[^&]*`)
)

type placeholder struct {
	text    string // as it appears in the body
	key     string // decoded "name#tabId=tab" or bare name
	refresh bool
}

func findSecretPlaceholders(body string) []placeholder {
	var out []placeholder
	for _, m := range secretPlaceholderRe.FindAllStringSubmatch(body, -1) {
		out = append(out, placeholder{text: m[0], key: decodeKey(m[2]), refresh: m[1] == store.RefreshTokenPrefix})
	}
	return out
}

// codeVerifierKey extracts the entry identity embedded in a code verifier
// placeholder.
func codeVerifierKey(body string) (string, bool) {
	if !strings.Contains(body, "code_verifier=") {
		return "", false
	}
	m := codeVerifierRe.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return decodeKey(m[1]), true
}

func decodeKey(raw string) string {
	if k, err := url.QueryUnescape(raw); err == nil {
		return k
	}
	return raw
}

func (p placeholder) matches(e store.Entry) bool {
	return p.key == e.Key.String() || p.key == e.Key.Name
}

// mediate handles POST requests no bearer entry claimed. Token and
// revocation endpoint traffic gets its placeholders swapped for the stored
// secrets and its token responses scrubbed.
func (i *Interceptor) mediate(w http.ResponseWriter, r *http.Request, target string) {
	candidates := i.Store.MatchTokenEndpoint(target)
	if len(candidates) == 0 {
		i.observe("passthrough")
		i.forward(w, r, target, r.Header, nil)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, i.MaxBodyBytes))
	if err != nil {
		i.fail(w, r, fmt.Errorf("%w: %v", ErrBodyUnreadable, err))
		return
	}
	body := string(raw)

	if phs := findSecretPlaceholders(body); len(phs) > 0 {
		i.mediateSecrets(w, r, target, candidates, body, phs)
		return
	}
	if key, ok := codeVerifierKey(body); ok {
		i.mediateCodeVerifier(w, r, target, body, key)
		return
	}
	// the page already holds the real values
	i.observe("mediated_plain")
	i.forward(w, r, target, r.Header, raw)
}

// mediateSecrets swaps a refresh or access token placeholder for the first
// candidate that owns one. Refresh placeholders win over access ones.
func (i *Interceptor) mediateSecrets(w http.ResponseWriter, r *http.Request, target string, candidates []store.Entry, body string, phs []placeholder) {
	var (
		chosen     store.Entry
		found      bool
		usedAccess bool
	)
	newBody := body
pick:
	for _, c := range candidates {
		if c.Tokens == nil {
			continue
		}
		for _, wantRefresh := range []bool{true, false} {
			for _, p := range phs {
				if p.refresh != wantRefresh || !p.matches(c) {
					continue
				}
				secret := c.Tokens.AccessToken
				if p.refresh {
					secret = c.Tokens.RefreshToken
				}
				newBody = strings.Replace(newBody, p.text, url.QueryEscape(secret), 1)
				chosen, found, usedAccess = c, true, !p.refresh
				break pick
			}
		}
	}
	if !found {
		i.fail(w, r, fmt.Errorf("%w: %d placeholder(s) for %d candidate(s)", ErrPlaceholderUnresolved, len(phs), len(candidates)))
		return
	}

	header := tokenRequestHeader(r)
	claims := map[string]any{}
	if usedAccess {
		claims["ath"] = dpop.Digest(chosen.Tokens.AccessToken)
	}
	if _, err := i.attachProof(header, r, target, chosen, claims); err != nil {
		i.fail(w, r, err)
		return
	}

	resp, err := i.send(r.Context(), r, target, header, []byte(newBody))
	if err != nil {
		i.fail(w, r, err)
		return
	}
	sc := chosen.ServerConfiguration
	if sc != nil && sc.RevocationEndpoint != "" && strings.HasPrefix(target, httputil.NormalizeURL(sc.RevocationEndpoint)) {
		i.observe("mediated_revocation")
		relay(w, resp)
		return
	}
	i.observe("mediated_token")
	i.relayScrubbed(w, r, resp, chosen.Key)
}

// mediateCodeVerifier resolves the entry strictly by the identity embedded
// in the code verifier placeholder and swaps in the stored verifier.
func (i *Interceptor) mediateCodeVerifier(w http.ResponseWriter, r *http.Request, target, body, key string) {
	e, ok := i.Store.Get(key)
	if !ok {
		e, ok = i.Store.Get(store.ParseKey(key).String())
	}
	if !ok {
		i.fail(w, r, fmt.Errorf("%w: code verifier for %q", ErrPlaceholderUnresolved, key))
		return
	}
	newBody := body
	if e.CodeVerifier != "" {
		newBody = codeVerifierFieldRe.ReplaceAllLiteralString(body, "code_verifier="+url.QueryEscape(e.CodeVerifier))
	}

	header := tokenRequestHeader(r)
	if _, err := i.attachProof(header, r, target, e, map[string]any{}); err != nil {
		i.fail(w, r, err)
		return
	}
	resp, err := i.send(r.Context(), r, target, header, []byte(newBody))
	if err != nil {
		i.fail(w, r, err)
		return
	}
	i.observe("mediated_code")
	i.relayScrubbed(w, r, resp, e.Key)
}

// tokenRequestHeader clones the page headers for a mediated request. The
// response has to be parsed, so compression is left to the transport.
func tokenRequestHeader(r *http.Request) http.Header {
	h := r.Header.Clone()
	h.Del("Accept-Encoding")
	return h
}
