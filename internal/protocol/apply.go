package protocol

import (
	"oidcagent/internal/store"
)

// Version is reported in init replies. Overridden at build time with
// -ldflags "-X oidcagent/internal/protocol.Version=...".
var Version = "dev"

// Reply is the plain object sent back for a command.
type Reply map[string]any

// Apply is the pure transition for one command against one entry. It never
// returns raw code verifiers, nonces or hidden tokens in the reply.
func Apply(e store.Entry, cmd Command) (store.Entry, Reply) {
	name := e.Key.Name
	switch c := cmd.(type) {
	case Clear:
		e.Clear(c.Status)
		return e, Reply{"configurationName": name}
	case Init:
		sc := c.ServerConfiguration
		e.ServerConfiguration = &sc
		e.OIDCConfiguration = c.OIDCConfiguration
		var tokens any
		if e.Tokens != nil {
			tokens = store.PageTokens(e, e.Tokens)
		}
		return e, Reply{
			"tokens":            tokens,
			"status":            nullable(e.Status),
			"configurationName": name,
			"version":           Version,
		}
	case SetState:
		e.State = c.State
		return e, Reply{"configurationName": name}
	case GetState:
		return e, Reply{"configurationName": name, "state": nullable(e.State)}
	case SetCodeVerifier:
		e.CodeVerifier = c.CodeVerifier
		return e, Reply{"configurationName": name}
	case GetCodeVerifier:
		var v any
		if e.CodeVerifier != "" {
			v = store.CodeVerifierPlaceholder(e.Key)
		}
		return e, Reply{"configurationName": name, "codeVerifier": v}
	case SetSessionState:
		e.SessionState = c.SessionState
		return e, Reply{"configurationName": name}
	case GetSessionState:
		return e, Reply{"configurationName": name, "sessionState": nullable(e.SessionState)}
	case SetNonce:
		if c.Nonce != "" {
			e.Nonce = c.Nonce
		}
		return e, Reply{"configurationName": name}
	case GetNonce:
		var v any
		if e.Nonce != "" {
			v = store.NonceTokenPlaceholder(e.Key)
		}
		return e, Reply{"configurationName": name, "nonce": v}
	case SetDPoPNonce:
		e.DPoPNonce = c.Nonce
		return e, Reply{"configurationName": name}
	case GetDPoPNonce:
		return e, Reply{"configurationName": name, "demonstratingProofOfPossessionNonce": nullable(e.DPoPNonce)}
	case Claim:
		return e, Reply{}
	}
	return e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
