package trust

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"oidcagent/pkg/dpop"
)

// AnyDomain trusts every URL.
const AnyDomain = "*"

// Spec is the trusted-domain entry for one configuration name. It is either
// the legacy bare list of domains or the full options record.
type Spec struct {
	legacy  bool
	domains []string
	options Options
}

// Options is the record form.
type Options struct {
	Domains                                []string `yaml:"domains" json:"domains"`
	OIDCDomains                            []string `yaml:"oidcDomains" json:"oidcDomains"`
	AccessTokenDomains                     []string `yaml:"accessTokenDomains" json:"accessTokenDomains"`
	AllowMultiTabLogin                     *bool    `yaml:"allowMultiTabLogin" json:"allowMultiTabLogin"`
	ShowAccessToken                        *bool    `yaml:"showAccessToken" json:"showAccessToken"`
	SetAccessTokenToNavigateRequests       *bool    `yaml:"setAccessTokenToNavigateRequests" json:"setAccessTokenToNavigateRequests"`
	ConvertAllRequestsToCorsExceptNavigate *bool    `yaml:"convertAllRequestsToCorsExceptNavigate" json:"convertAllRequestsToCorsExceptNavigate"`

	DemonstratingProofOfPossession                          *bool               `yaml:"demonstratingProofOfPossession" json:"demonstratingProofOfPossession"`
	DemonstratingProofOfPossessionOnlyWhenDpopHeaderPresent *bool               `yaml:"demonstratingProofOfPossessionOnlyWhenDpopHeaderPresent" json:"demonstratingProofOfPossessionOnlyWhenDpopHeaderPresent"`
	DemonstratingProofOfPossessionConfiguration             *dpop.Configuration `yaml:"demonstratingProofOfPossessionConfiguration" json:"demonstratingProofOfPossessionConfiguration"`
}

// Legacy builds the bare-list form.
func Legacy(domains ...string) Spec { return Spec{legacy: true, domains: domains} }

// Full builds the record form.
func Full(o Options) Spec { return Spec{options: o} }

// IsLegacy reports whether s is the bare-list form.
func (s Spec) IsLegacy() bool { return s.legacy }

// Policy is a Spec normalised with every default applied.
type Policy struct {
	OIDCDomains                            []string
	AccessTokenDomains                     []string
	AllowMultiTabLogin                     bool
	HideAccessToken                        bool
	SetAccessTokenToNavigateRequests       bool
	ConvertAllRequestsToCorsExceptNavigate bool
	DPoP                                   *dpop.Configuration
	DPoPOnlyWhenHeaderPresent              bool
}

// Policy normalises s. The legacy form never allows multi-tab login, always
// hides the access token, injects into navigations and keeps request modes.
func (s Spec) Policy() Policy {
	if s.legacy {
		return Policy{
			OIDCDomains:                      s.domains,
			AccessTokenDomains:               s.domains,
			HideAccessToken:                  true,
			SetAccessTokenToNavigateRequests: true,
		}
	}
	o := s.options
	p := Policy{
		OIDCDomains:                            pick(o.OIDCDomains, o.Domains),
		AccessTokenDomains:                     pick(o.AccessTokenDomains, o.Domains),
		AllowMultiTabLogin:                     boolOr(o.AllowMultiTabLogin, false),
		HideAccessToken:                        !boolOr(o.ShowAccessToken, false),
		SetAccessTokenToNavigateRequests:       boolOr(o.SetAccessTokenToNavigateRequests, true),
		ConvertAllRequestsToCorsExceptNavigate: boolOr(o.ConvertAllRequestsToCorsExceptNavigate, false),
	}
	if boolOr(o.DemonstratingProofOfPossession, false) {
		c := dpop.DefaultConfiguration()
		if o.DemonstratingProofOfPossessionConfiguration != nil {
			c = *o.DemonstratingProofOfPossessionConfiguration
		}
		p.DPoP = &c
		p.DPoPOnlyWhenHeaderPresent = boolOr(o.DemonstratingProofOfPossessionOnlyWhenDpopHeaderPresent, false)
	}
	return p
}

func pick(specific, general []string) []string {
	if specific != nil {
		return specific
	}
	if general != nil {
		return general
	}
	return []string{}
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// UnmarshalYAML accepts either a sequence (legacy) or a mapping (full).
func (s *Spec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var d []string
		if err := node.Decode(&d); err != nil {
			return err
		}
		*s = Legacy(d...)
		return nil
	case yaml.MappingNode:
		var o Options
		if err := node.Decode(&o); err != nil {
			return err
		}
		*s = Full(o)
		return nil
	default:
		return fmt.Errorf("trusted domains: line %d: expected list or mapping", node.Line)
	}
}

// UnmarshalJSON accepts either an array (legacy) or an object (full).
func (s *Spec) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var d []string
		if err := json.Unmarshal(b, &d); err != nil {
			return err
		}
		*s = Legacy(d...)
		return nil
	}
	var o Options
	if err := json.Unmarshal(b, &o); err != nil {
		return err
	}
	*s = Full(o)
	return nil
}

// MarshalJSON writes the same shape UnmarshalJSON reads.
func (s Spec) MarshalJSON() ([]byte, error) {
	if s.legacy {
		if s.domains == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(s.domains)
	}
	return json.Marshal(s.options)
}
