// Package secrets exchanges opaque credential references for live API tokens.
//
// Backends implement Provider; Resolver wraps a provider with the dispatch-time contract:
// a failed lookup is logged and reported as "no token", never as an error.
package secrets

import (
	"context"
	"errors"
	"fmt"
)

// Provider is the interface secret backends implement.
type Provider interface {
	// Get retrieves a secret by key. Returns *ErrSecretNotFound if the key does not exist.
	Get(ctx context.Context, key string) (string, error)

	// Name returns the provider's identifier (e.g. "env", "file").
	Name() string
}

// ErrSecretNotFound is returned when a requested secret key does not exist.
type ErrSecretNotFound struct {
	Key      string
	Provider string
}

func (e *ErrSecretNotFound) Error() string {
	return fmt.Sprintf("secret %q not found in provider %q", e.Key, e.Provider)
}

// IsNotFound reports whether err is an ErrSecretNotFound.
func IsNotFound(err error) bool {
	var target *ErrSecretNotFound
	return errors.As(err, &target)
}

// ChainProvider tries multiple providers in order, returning the first hit.
type ChainProvider struct {
	providers []Provider
}

// NewChainProvider queries providers in order. Nil providers are ignored.
func NewChainProvider(providers ...Provider) *ChainProvider {
	ps := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			ps = append(ps, p)
		}
	}
	return &ChainProvider{providers: ps}
}

func (c *ChainProvider) Name() string { return "chain" }

// Get returns the first successful value. Non-NotFound errors (unreadable file, vault outage)
// stop the chain and are returned as-is.
func (c *ChainProvider) Get(ctx context.Context, key string) (string, error) {
	for _, p := range c.providers {
		val, err := p.Get(ctx, key)
		if err == nil {
			return val, nil
		}
		if !IsNotFound(err) {
			return "", fmt.Errorf("%s: %w", p.Name(), err)
		}
	}
	return "", &ErrSecretNotFound{Key: key, Provider: c.Name()}
}
