// Package secrets resolves secret references in configuration values.
//
// A value of the form "scheme:key" is looked up in the provider registered
// for scheme; anything else is returned unchanged. Built-in schemes:
//
//   - env:NAME reads an environment variable
//   - file:/path reads a file, such as a mounted Docker or Kubernetes secret
//   - vault:path#field reads a field of a HashiCorp Vault KV v2 secret
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	// ErrSecretNotFound is returned when a provider has no value for a key.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrUnknownProvider is returned for a reference whose scheme has no
	// registered provider.
	ErrUnknownProvider = errors.New("no provider for secret reference")
)

// Provider looks up secrets by key.
type Provider interface {
	// Scheme is the reference prefix the provider serves, without the colon.
	Scheme() string
	Get(ctx context.Context, key string) (string, error)
}

// Config configures a Resolver.
type Config struct {
	// CacheTTL bounds how long a resolved value is reused. Zero disables
	// caching.
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
	Vault     VaultConfig   `yaml:"vault"`
}

// DefaultConfig returns a resolver config with a five minute cache and Vault
// disabled.
func DefaultConfig() Config {
	return Config{
		CacheTTL:  5 * time.Minute,
		CacheSize: 256,
		Vault:     VaultConfig{Mount: "secret", Timeout: 10 * time.Second},
	}
}

// Resolver dispatches references to providers and caches results.
type Resolver struct {
	providers map[string]Provider
	cache     *expirable.LRU[string, string]
}

// NewResolver creates a Resolver with the env and file providers plus any
// extra providers. A later provider replaces an earlier one with the same
// scheme.
func NewResolver(cfg Config, extra ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider)}
	for _, p := range append([]Provider{EnvProvider{}, FileProvider{}}, extra...) {
		r.providers[p.Scheme()] = p
	}
	if cfg.CacheTTL > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = DefaultConfig().CacheSize
		}
		r.cache = expirable.NewLRU[string, string](size, nil, cfg.CacheTTL)
	}
	return r
}

// ParseRef splits a reference into scheme and key. ok is false when ref is a
// literal value.
func (r *Resolver) ParseRef(ref string) (scheme, key string, ok bool) {
	scheme, key, found := strings.Cut(ref, ":")
	if !found || key == "" {
		return "", ref, false
	}
	if _, known := r.providers[scheme]; !known {
		return "", ref, false
	}
	return scheme, key, true
}

// IsRef reports whether ref names a registered provider. Values such as
// "nats://host" or "postgres://..." are literals unless a provider claims
// the scheme.
func (r *Resolver) IsRef(ref string) bool {
	_, _, ok := r.ParseRef(ref)
	return ok
}

// Resolve returns the secret ref points to, or ref itself when it is a
// literal.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, key, ok := r.ParseRef(ref)
	if !ok {
		return ref, nil
	}
	if r.cache != nil {
		if v, hit := r.cache.Get(ref); hit {
			return v, nil
		}
	}

	v, err := r.providers[scheme].Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("resolve %s secret %q: %w", scheme, key, err)
	}
	if r.cache != nil {
		r.cache.Add(ref, v)
	}
	slog.Debug("resolved secret reference", "scheme", scheme)
	return v, nil
}

// ResolveAll resolves every non-empty field in place. It stops at the first
// failure.
func (r *Resolver) ResolveAll(ctx context.Context, fields ...*string) error {
	for _, f := range fields {
		if f == nil || *f == "" {
			continue
		}
		v, err := r.Resolve(ctx, *f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

// Purge drops every cached value.
func (r *Resolver) Purge() {
	if r.cache != nil {
		r.cache.Purge()
	}
}
