package store

import (
	"strings"
	"sync"

	"oidcagent/pkg/httputil"
	"oidcagent/pkg/trust"
)

const wellKnownSuffix = "/.well-known/openid-configuration"

// Store is the in-memory token database. Entries are created lazily and
// never removed; iteration follows insertion order.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

func New() *Store {
	return &Store{entries: map[string]*Entry{}}
}

// GetOrCreate returns the entry for k, building it with create on first use.
// The bool is true when the entry was created by this call.
func (s *Store) GetOrCreate(k Key, create func(Key) Entry) (Entry, bool) {
	id := k.String()
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		return *e, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[id]; ok {
		return *e, false
	}
	ne := create(k)
	ne.Key = k
	s.entries[id] = &ne
	s.order = append(s.order, id)
	return ne, true
}

// Get looks an entry up by its full "name#tabId=tab" identity.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Update applies fn to the stored entry under the write lock and returns
// the resulting snapshot. Missing entries are left alone.
func (s *Store) Update(k Key, fn func(*Entry)) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k.String()]
	if !ok {
		return Entry{}, false
	}
	fn(e)
	e.Key = k
	return *e, true
}

// Snapshot copies every entry in insertion order.
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.entries[id])
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// MatchByURL returns the entries holding tokens whose access-token domains
// (plus their userinfo endpoint) cover rawURL. Requests to an entry's own
// token or revocation endpoint and discovery documents never match.
func (s *Store) MatchByURL(rawURL string, reg *trust.Registry) []Entry {
	u := httputil.NormalizeURL(rawURL)
	if strings.HasSuffix(u, wellKnownSuffix) {
		return nil
	}
	var out []Entry
	for _, e := range s.Snapshot() {
		sc := e.ServerConfiguration
		if sc == nil {
			continue
		}
		if sc.TokenEndpoint != "" && u == httputil.NormalizeURL(sc.TokenEndpoint) {
			continue
		}
		if sc.RevocationEndpoint != "" && u == httputil.NormalizeURL(sc.RevocationEndpoint) {
			continue
		}
		domains := reg.Policy(e.Key.Name).AccessTokenDomains
		if sc.UserInfoEndpoint != "" {
			domains = append([]string{httputil.NormalizeURL(sc.UserInfoEndpoint)}, domains...)
		}
		if !reg.Matches(domains, u) {
			continue
		}
		if e.Tokens != nil {
			out = append(out, e)
		}
	}
	return out
}

// MatchTokenEndpoint returns the entries whose token or revocation endpoint
// prefixes rawURL.
func (s *Store) MatchTokenEndpoint(rawURL string) []Entry {
	u := httputil.NormalizeURL(rawURL)
	var out []Entry
	for _, e := range s.Snapshot() {
		sc := e.ServerConfiguration
		if sc == nil {
			continue
		}
		switch {
		case sc.TokenEndpoint != "" && strings.HasPrefix(u, httputil.NormalizeURL(sc.TokenEndpoint)):
			out = append(out, e)
		case sc.RevocationEndpoint != "" && strings.HasPrefix(u, httputil.NormalizeURL(sc.RevocationEndpoint)):
			out = append(out, e)
		}
	}
	return out
}

// Select picks the candidate a disambiguation key refers to. An exact match
// on the entry identity or bare configuration name wins; otherwise the first
// candidate whose identity ends with key is returned. Several configurations
// sharing a suffix resolve to the earliest registered one.
func Select(candidates []Entry, key string) (Entry, bool) {
	for _, c := range candidates {
		if c.Key.String() == key || c.Key.Name == key {
			return c, true
		}
	}
	for _, c := range candidates {
		if strings.HasSuffix(c.Key.String(), key) {
			return c, true
		}
	}
	return Entry{}, false
}
