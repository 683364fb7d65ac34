package stow

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// ConnectionURL is a parsed connection signature of the form
// scheme://authority/path?param=value. The authority and params are
// scheme-specific; the path addresses an artefact inside the resulting
// manager.
type ConnectionURL struct {
	Scheme    string
	Authority string
	Path      string
	Params    map[string]string
}

// ParseConnectionURL splits a connection signature into its parts.
func ParseConnectionURL(signature string) (ConnectionURL, error) {
	u, err := url.Parse(signature)
	if err != nil {
		return ConnectionURL{}, NewPathError("connect", signature, ErrUnknownScheme).
			WithMessage("malformed connection signature")
	}
	if u.Scheme == "" {
		return ConnectionURL{}, NewPathError("connect", signature, ErrUnknownScheme).
			WithMessage("connection signature needs a scheme")
	}
	params := map[string]string{}
	for key, values := range u.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	return ConnectionURL{
		Scheme:    u.Scheme,
		Authority: u.Host,
		Path:      u.Path,
		Params:    params,
	}, nil
}

// cacheKey identifies the manager a signature resolves to, ignoring the
// artefact path so every object under one store shares a connection.
func (u ConnectionURL) cacheKey() string {
	keys := make([]string, 0, len(u.Params))
	for k := range u.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Authority)
	for _, k := range keys {
		b.WriteByte('&')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(u.Params[k])
	}
	return b.String()
}

// Factory builds backends for one scheme, either from a parsed connection
// signature or from a flat configuration map as produced by Manager.Config.
type Factory interface {
	FromURL(ctx context.Context, u ConnectionURL) (Backend, error)
	FromConfig(ctx context.Context, cfg map[string]string) (Backend, error)
}

// SchemeRegistry maps connection schemes to backend factories and caches
// the managers it has built, so repeated connections to the same store
// return the same manager and therefore the same artefact identities.
type SchemeRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory

	cacheMu  sync.Mutex
	managers map[string]*Manager
}

// NewSchemeRegistry creates an empty registry. Most callers use the
// package-level one; a private registry keeps tests and embedded uses
// isolated from process-wide state.
func NewSchemeRegistry() *SchemeRegistry {
	return &SchemeRegistry{
		factories: map[string]Factory{},
		managers:  map[string]*Manager{},
	}
}

// Register installs the factory for a scheme, replacing any previous one.
func (r *SchemeRegistry) Register(scheme string, f Factory) {
	r.mu.Lock()
	r.factories[scheme] = f
	r.mu.Unlock()
}

func (r *SchemeRegistry) factory(op, scheme string) (Factory, error) {
	r.mu.RLock()
	f, ok := r.factories[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, NewPathError(op, scheme, ErrUnknownScheme)
	}
	return f, nil
}

// Connect resolves a connection signature to a manager and the canonical
// path of the artefact the signature addressed. Managers are cached by
// store, not by path: two signatures into the same store share one manager.
func (r *SchemeRegistry) Connect(ctx context.Context, signature string, opts ...Option) (*Manager, string, error) {
	const op = "connect"
	u, err := ParseConnectionURL(signature)
	if err != nil {
		return nil, "", err
	}
	f, err := r.factory(op, u.Scheme)
	if err != nil {
		return nil, "", err
	}

	path := CanonicalPath(u.Path)

	key := u.cacheKey()
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if m, ok := r.managers[key]; ok {
		return m, path, nil
	}

	backend, err := f.FromURL(ctx, u)
	if err != nil {
		return nil, "", err
	}
	m := New(backend, opts...)
	r.managers[key] = m
	return m, path, nil
}

// FromConfig rebuilds a manager from a configuration map, the inverse of
// Manager.Config. The map's "scheme" entry selects the factory.
func (r *SchemeRegistry) FromConfig(ctx context.Context, cfg map[string]string, opts ...Option) (*Manager, error) {
	const op = "connect"
	scheme, ok := cfg["scheme"]
	if !ok {
		return nil, NewError(op, ErrUnknownScheme).WithMessage("configuration missing scheme")
	}
	f, err := r.factory(op, scheme)
	if err != nil {
		return nil, err
	}
	backend, err := f.FromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(backend, opts...), nil
}

// Reset drops every cached manager. Factories stay registered. Artefacts
// produced by dropped managers remain valid against their managers; only
// the cache forgets them.
func (r *SchemeRegistry) Reset() {
	r.cacheMu.Lock()
	r.managers = map[string]*Manager{}
	r.cacheMu.Unlock()
}

// DefaultRegistry backs the package-level Register, Connect and FromConfig.
var DefaultRegistry = NewSchemeRegistry()

// Register installs a backend factory for a scheme in the default registry.
// Backend packages call this from init, database/sql driver style.
func Register(scheme string, f Factory) { DefaultRegistry.Register(scheme, f) }

// Connect resolves a connection signature through the default registry.
func Connect(ctx context.Context, signature string, opts ...Option) (*Manager, string, error) {
	return DefaultRegistry.Connect(ctx, signature, opts...)
}

// FromConfig rebuilds a manager from a configuration map through the
// default registry.
func FromConfig(ctx context.Context, cfg map[string]string, opts ...Option) (*Manager, error) {
	return DefaultRegistry.FromConfig(ctx, cfg, opts...)
}

// ResetConnections drops the default registry's cached managers.
func ResetConnections() { DefaultRegistry.Reset() }
