package store

import (
	"encoding/json"
	"strconv"
)

// Tokens is a token-endpoint response after capture. Fields the agent does
// not interpret are kept in Extra and written back out unchanged.
type Tokens struct {
	AccessToken        string
	RefreshToken       string
	IDToken            string
	TokenType          string
	ExpiresIn          int64
	IssuedAt           int64
	ExpiresAt          int64
	IDTokenPayload     map[string]any
	AccessTokenPayload map[string]any
	Extra              map[string]any
}

var knownTokenFields = map[string]struct{}{
	"access_token": {}, "refresh_token": {}, "id_token": {}, "token_type": {},
	"expires_in": {}, "issued_at": {}, "expiresAt": {}, "idTokenPayload": {}, "accessTokenPayload": {},
}

// TokensFromMap reads a decoded JSON object.
func TokensFromMap(m map[string]any) *Tokens {
	t := &Tokens{
		AccessToken:        str(m["access_token"]),
		RefreshToken:       str(m["refresh_token"]),
		IDToken:            str(m["id_token"]),
		TokenType:          str(m["token_type"]),
		ExpiresIn:          Int64(m["expires_in"]),
		IssuedAt:           Int64(m["issued_at"]),
		ExpiresAt:          Int64(m["expiresAt"]),
		IDTokenPayload:     obj(m["idTokenPayload"]),
		AccessTokenPayload: obj(m["accessTokenPayload"]),
	}
	for k, v := range m {
		if _, ok := knownTokenFields[k]; ok {
			continue
		}
		if t.Extra == nil {
			t.Extra = map[string]any{}
		}
		t.Extra[k] = v
	}
	return t
}

// Map is the JSON object form. Payload maps are copied so callers may edit
// the result.
func (t *Tokens) Map() map[string]any {
	out := make(map[string]any, len(t.Extra)+9)
	for k, v := range t.Extra {
		out[k] = v
	}
	out["access_token"] = t.AccessToken
	setIf(out, "refresh_token", t.RefreshToken)
	setIf(out, "id_token", t.IDToken)
	setIf(out, "token_type", t.TokenType)
	if t.ExpiresIn != 0 {
		out["expires_in"] = t.ExpiresIn
	}
	if t.IssuedAt != 0 {
		out["issued_at"] = t.IssuedAt
	}
	if t.ExpiresAt != 0 {
		out["expiresAt"] = t.ExpiresAt
	}
	if t.IDTokenPayload != nil {
		out["idTokenPayload"] = cloneMap(t.IDTokenPayload)
	}
	if t.AccessTokenPayload != nil {
		out["accessTokenPayload"] = cloneMap(t.AccessTokenPayload)
	}
	return out
}

func (t Tokens) MarshalJSON() ([]byte, error) { return json.Marshal(t.Map()) }

func (t *Tokens) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*t = *TokensFromMap(m)
	return nil
}

// Int64 accepts JSON numbers and numeric strings.
func Int64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(n, 64)
			if ferr != nil {
				return 0
			}
			return int64(f)
		}
		return i
	}
	return 0
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func obj(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func setIf(m map[string]any, k, v string) {
	if v != "" {
		m[k] = v
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
