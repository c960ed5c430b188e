package venue

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/kv"
)

// Factory builds a venue adapter from its credentials.
type Factory func(creds domain.Credentials, log zerolog.Logger) (Venue, error)

// Registry pools venue connections, one per (venue, credentials). Concurrent
// callers multiplex onto the same adapter; the adapter applies the venue's
// own rate limiter.
type Registry struct {
	factories map[string]Factory
	vault     *kv.Vault
	log       zerolog.Logger

	mu     sync.Mutex
	active map[string]Venue
}

// NewRegistry creates a registry over the given adapter factories.
func NewRegistry(factories map[string]Factory, vault *kv.Vault, log zerolog.Logger) *Registry {
	return &Registry{
		factories: factories,
		vault:     vault,
		log:       log.With().Str("component", "venue_registry").Logger(),
		active:    make(map[string]Venue),
	}
}

// Register adds or replaces a factory. Used by tests to install mocks.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	delete(r.active, name)
}

// Get returns the pooled adapter for a venue, constructing it on first use
// with credentials from the vault. Venues without stored credentials get
// empty credentials (public endpoints only).
func (r *Registry) Get(ctx context.Context, name string) (Venue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.active[name]; ok {
		return v, nil
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", name)
	}

	var creds domain.Credentials
	if r.vault != nil {
		loaded, err := r.vault.Load(ctx, name)
		switch {
		case err == nil:
			creds = loaded
		case kv.IsNotFound(err):
			r.log.Debug().Str("venue", name).Msg("No stored credentials, using public access")
		default:
			return nil, fmt.Errorf("load credentials for %s: %w", name, err)
		}
	}

	v, err := factory(creds, r.log)
	if err != nil {
		return nil, fmt.Errorf("construct venue %s: %w", name, err)
	}
	r.active[name] = v
	r.log.Info().Str("venue", name).Msg("Venue adapter connected")
	return v, nil
}

// Connect stores fresh credentials for a venue and drops any pooled adapter
// so the next Get reconnects with them.
func (r *Registry) Connect(ctx context.Context, name string, creds domain.Credentials) error {
	if r.vault == nil {
		return fmt.Errorf("no credential vault configured")
	}
	if err := r.vault.Save(ctx, name, creds); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.active, name)
	r.mu.Unlock()
	return nil
}

// Names lists the registered venue names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	return out
}
