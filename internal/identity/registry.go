package identity

import (
	"context"
	"fmt"

	"github.com/khanghh/identcore/internal/config"
)

// Registry selects the active adapter from configuration on every call.
type Registry struct {
	resolver *config.Resolver
	adapters map[ProviderType]Adapter
}

func (r *Registry) Get(providerType ProviderType) (Adapter, error) {
	adapter, ok := r.adapters[providerType]
	if !ok {
		return nil, fmt.Errorf("%w: %s not configured", ErrUnsupportedProvider, providerType)
	}
	return adapter, nil
}

func (r *Registry) Active(ctx context.Context) (Adapter, error) {
	val, err := r.resolver.Get(ctx, config.KeyAuthProviderType)
	if err != nil {
		return nil, err
	}
	providerType, err := ParseProviderType(val)
	if err != nil {
		return nil, err
	}
	return r.Get(providerType)
}

func NewRegistry(resolver *config.Resolver, adapters ...Adapter) *Registry {
	m := make(map[ProviderType]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Type()] = a
	}
	return &Registry{
		resolver: resolver,
		adapters: m,
	}
}
