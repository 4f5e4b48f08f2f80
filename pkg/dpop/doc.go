// Package dpop implements the client side of DPoP (Demonstrating Proof of
// Possession, RFC 9449) for the agent.
//
// The agent keeps one key pair per configuration entry. Every request that
// carries a sender-constrained access token gets a fresh proof:
//
//	key, _ := engine.GenerateKey(cfg)
//	ath := dpop.Digest(accessToken)
//	proof, _ := engine.GenerateProof(cfg, key, "GET", "https://api.example/orders", map[string]any{"ath": ath})
//
// A proof is a JWS with typ "dpop+jwt" and the public key embedded as "jwk";
// its payload carries jti, htm, htu, iat and any extra claims.
package dpop
