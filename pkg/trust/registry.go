package trust

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"oidcagent/pkg/httputil"
)

// ErrUntrustedDomain is returned by ValidateDomain.
var ErrUntrustedDomain = errors.New("domain is not trusted")

// Registry resolves trusted-domain specs by configuration name.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
	re    sync.Map // pattern -> *regexp.Regexp
}

func NewRegistry(specs map[string]Spec) *Registry {
	r := &Registry{specs: make(map[string]Spec, len(specs))}
	for k, v := range specs {
		r.specs[k] = v
	}
	return r
}

// Lookup returns the spec for name, registering an empty legacy spec for
// names the configuration does not know.
func (r *Registry) Lookup(name string) Spec {
	r.mu.RLock()
	s, ok := r.specs[name]
	r.mu.RUnlock()
	if ok {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.specs[name]; ok {
		return s
	}
	s = Legacy()
	r.specs[name] = s
	return s
}

// Policy is Lookup(name).Policy().
func (r *Registry) Policy(name string) Policy { return r.Lookup(name).Policy() }

// DPoPPolicyFor returns the DPoP configuration for name, nil when DPoP is off.
func (r *Registry) DPoPPolicyFor(name string) (*Policy, bool) {
	p := r.Policy(name)
	if p.DPoP == nil {
		return nil, false
	}
	return &p, true
}

// Names lists every known configuration name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for k := range r.specs {
		out = append(out, k)
	}
	return out
}

// Matches reports whether rawURL is covered by any of domains. "*" covers
// everything, "/expr/" is a regular expression, a value with a scheme is an
// anchored prefix of the normalised URL and a bare host[/path] is matched
// against the URL without its scheme. Prefixes must end on a URL boundary.
func (r *Registry) Matches(domains []string, rawURL string) bool {
	u := httputil.NormalizeURL(rawURL)
	for _, d := range domains {
		if d == AnyDomain {
			return true
		}
		if r.matchOne(d, u) {
			return true
		}
	}
	return false
}

func (r *Registry) matchOne(domain, u string) bool {
	if len(domain) > 2 && strings.HasPrefix(domain, "/") && strings.HasSuffix(domain, "/") {
		re, err := r.compile(domain[1 : len(domain)-1])
		return err == nil && re.MatchString(u)
	}
	target := u
	if !strings.Contains(domain, "://") {
		if i := strings.Index(u, "://"); i >= 0 {
			target = u[i+3:]
		}
	} else {
		domain = httputil.NormalizeURL(domain)
		// NormalizeURL appends "/" to a bare origin; keep the prefix loose
		if strings.Count(domain, "/") == 3 && strings.HasSuffix(domain, "/") {
			domain = strings.TrimSuffix(domain, "/")
		}
	}
	if !strings.HasPrefix(target, domain) {
		return false
	}
	if len(target) == len(domain) || strings.HasSuffix(domain, "/") {
		return true
	}
	switch target[len(domain)] {
	case '/', '?', '#', ':':
		return true
	}
	return false
}

func (r *Registry) compile(expr string) (*regexp.Regexp, error) {
	if v, ok := r.re.Load(expr); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	r.re.Store(expr, re)
	return re, nil
}

// ValidateDomain checks that rawURL is covered by domains. Empty URLs pass.
func (r *Registry) ValidateDomain(domains []string, rawURL string) error {
	if rawURL == "" || r.Matches(domains, rawURL) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUntrustedDomain, rawURL)
}

// HasAny reports whether domains contains the wildcard marker.
func HasAny(domains []string) bool {
	for _, d := range domains {
		if d == AnyDomain {
			return true
		}
	}
	return false
}
