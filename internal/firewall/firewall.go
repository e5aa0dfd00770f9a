// Package firewall implements the uniform ban/unban/list contract
// (spec.md §4.3) over whatever upstream system actually enforces a
// block, and a registry that selects an implementation by the
// integration's provider tag. The pattern follows
// mercierj-homeport's internal/domain/parser Registry: a mutex-guarded
// map keyed by a string tag, with factories rather than package-level
// singletons so a process can run more than one registry in tests.
package firewall

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/wafguard/wafguard/internal/model"
)

// BanResult is the outcome of a Provider.Ban call.
type BanResult struct {
	OK            bool
	ProviderBanID string
	Message       string
}

// UnbanResult is the outcome of a Provider.Unban call.
type UnbanResult struct {
	OK      bool
	Message string
}

// ProviderBan is one entry from a Provider.ListBans call.
type ProviderBan struct {
	IP            string
	ProviderBanID string
	ExpiresAt     *time.Time
}

// Provider is the uniform contract every firewall/CDN/edge backend
// must implement (spec.md §4.3). Implementations must be idempotent:
// banning an already-banned IP returns the existing provider_ban_id;
// unbanning an unknown IP returns success.
type Provider interface {
	Ban(ctx context.Context, ip string, reason string, durationS *int, severity string) (BanResult, error)
	Unban(ctx context.Context, ip string, providerBanID string) (UnbanResult, error)
	ListBans(ctx context.Context) ([]ProviderBan, error)
}

// Factory builds a Provider for one integration, given its decrypted
// credentials blob.
type Factory func(integration model.Integration, credentials []byte) (Provider, error)

// Registry maps a provider tag (model.Integration.Provider) to the
// factory that can build it. Not a package-level global: the CLI
// owns one instance and wires it into C4/C5/C6 explicitly, per
// spec.md §9's instruction against process-wide hidden state.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds (or replaces) the factory for a provider tag.
func (r *Registry) Register(tag string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[tag] = f
}

// ErrUnknownProvider is returned when no factory is registered for a tag.
var ErrUnknownProvider = errors.New("no firewall provider registered for tag")

// Build constructs the Provider for integration, using its tag to
// select a factory and its decrypted credentials to configure it.
func (r *Registry) Build(integration model.Integration, credentials []byte) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[integration.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProvider, "provider %q (integration %q)", integration.Provider, integration.Name)
	}
	p, err := f(integration, credentials)
	return p, errors.Wrapf(err, "building provider %q", integration.Provider)
}

// Tags returns every registered provider tag.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		out = append(out, tag)
	}
	return out
}
