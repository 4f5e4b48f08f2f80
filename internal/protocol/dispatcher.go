package protocol

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"oidcagent/internal/store"
	"oidcagent/pkg/dpop"
	"oidcagent/pkg/logger"
	"oidcagent/pkg/trust"
)

// ErrUntrustedEndpoint rejects an init whose server configuration points
// outside the configuration's trusted domains.
var ErrUntrustedEndpoint = errors.New("server endpoint outside trusted domains")

// Observer is notified of every handled message.
type Observer interface {
	ObserveMessage(kind string)
}

// Dispatcher resolves the target entry of a message and applies the command.
type Dispatcher struct {
	Store  *store.Store
	Trust  *trust.Registry
	Engine dpop.Engine
	Log    logger.Sugared

	// StrictDomains rejects init on an untrusted endpoint instead of only
	// logging it.
	StrictDomains bool

	// OnClaim runs for claim messages.
	OnClaim  func(ctx context.Context) error
	Observer Observer

	provision singleflight.Group
}

func NewDispatcher(st *store.Store, reg *trust.Registry, engine dpop.Engine, log logger.Sugared) *Dispatcher {
	return &Dispatcher{Store: st, Trust: reg, Engine: engine, Log: log, StrictDomains: true}
}

// Dispatch handles one message. ErrUnknownCommand means no reply is due.
// Every message naming a configuration creates its entry, even when the
// command itself turns out to be unknown or malformed.
func (d *Dispatcher) Dispatch(ctx context.Context, m Message) (Reply, error) {
	if m.Type == TypeClaim {
		d.observe(TypeClaim)
		if d.OnClaim != nil {
			if err := d.OnClaim(ctx); err != nil {
				return nil, fmt.Errorf("claim: %w", err)
			}
		}
		return Reply{}, nil
	}

	name := store.BaseName(m.ConfigurationName)
	policy := d.Trust.Policy(name)
	key := store.Key{Name: name, TabID: store.DefaultTabID}
	if policy.AllowMultiTabLogin && m.TabID != "" {
		key.TabID = m.TabID
	}
	if _, created := d.Store.GetOrCreate(key, func(store.Key) store.Entry { return newEntry(policy) }); created {
		d.Log.Debugw("entry created", "entry", key.String())
	}

	cmd, err := Decode(m)
	if err != nil {
		return nil, err
	}
	d.observe(cmd.Type())

	if in, ok := cmd.(Init); ok {
		if err := d.validateInit(name, policy, in.ServerConfiguration); err != nil {
			return nil, err
		}
	}

	var reply Reply
	after, _ := d.Store.Update(key, func(e *store.Entry) {
		var next store.Entry
		next, reply = Apply(*e, cmd)
		*e = next
	})

	if in, ok := cmd.(Init); ok {
		if err := d.provisionDPoP(key, after, policy, in.OIDCConfiguration); err != nil {
			return nil, err
		}
	}
	return reply, nil
}

func (d *Dispatcher) observe(t Type) {
	if d.Observer != nil {
		d.Observer.ObserveMessage(string(t))
	}
}

func newEntry(p trust.Policy) store.Entry {
	return store.Entry{
		HideAccessToken:                        p.HideAccessToken,
		SetAccessTokenToNavigateRequests:       p.SetAccessTokenToNavigateRequests,
		ConvertAllRequestsToCorsExceptNavigate: p.ConvertAllRequestsToCorsExceptNavigate,
		AllowMultiTabLogin:                     p.AllowMultiTabLogin,
	}
}

func (d *Dispatcher) validateInit(name string, p trust.Policy, sc store.ServerConfiguration) error {
	if trust.HasAny(p.OIDCDomains) {
		return nil
	}
	for _, u := range sc.Endpoints() {
		err := d.Trust.ValidateDomain(p.OIDCDomains, u)
		if err == nil {
			continue
		}
		d.Log.Warnw("server configuration endpoint is not trusted",
			"configuration", name, "url", u, "strict", d.StrictDomains)
		if d.StrictDomains {
			return fmt.Errorf("%w: %v", ErrUntrustedEndpoint, err)
		}
	}
	return nil
}

// provisionDPoP generates the entry's key pair once, when the trusted-domain
// policy asks for DPoP. Concurrent inits for the same entry share one
// generation; fetches that run before it lands fall back to Bearer.
func (d *Dispatcher) provisionDPoP(key store.Key, e store.Entry, p trust.Policy, page map[string]any) error {
	if e.DPoPConfiguration != nil || p.DPoP == nil {
		return nil
	}
	if v, ok := page["demonstrating_proof_of_possession"]; ok && v != nil && v != false {
		d.Log.Warnw("demonstrating_proof_of_possession must be configured from trusted domains, page value ignored",
			"configuration", key.Name)
	}
	cfg := *p.DPoP
	_, err, _ := d.provision.Do(key.String(), func() (interface{}, error) {
		if cur, ok := d.Store.Get(key.String()); ok && cur.DPoPConfiguration != nil {
			return nil, nil
		}
		k, err := d.Engine.GenerateKey(cfg)
		if err != nil {
			return nil, err
		}
		d.Store.Update(key, func(e *store.Entry) {
			if e.DPoPConfiguration != nil {
				return
			}
			c := cfg
			e.DPoPConfiguration = &c
			e.DPoPKey = k
			e.DPoPOnlyWhenHeaderPresent = p.DPoPOnlyWhenHeaderPresent
		})
		d.Log.Infow("dpop key provisioned", "entry", key.String(), "alg", k.Algorithm())
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("dpop key generation: %w", err)
	}
	return nil
}
