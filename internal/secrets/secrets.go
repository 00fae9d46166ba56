// Package secrets resolves named credentials for the rest of the process.
// Resolution is chained: environment first, then Vault. Secret values are
// opaque to this package — they are returned to the caller and never
// logged, cached beyond their TTL, or embedded in errors.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

func lookupEnv(key string) (string, bool) { return os.LookupEnv(key) }

// ErrNotFound reports that a provider has no value for the requested
// name. The chain treats it as "try the next provider"; any other error
// stops resolution.
var ErrNotFound = errors.New("secret not found")

// Provider resolves one named secret. Names are lowercase dotted paths
// like "binance.api_key" or "llm.anthropic_api_key".
type Provider interface {
	Name() string
	GetSecret(ctx context.Context, name string) (string, error)
}

// Chain resolves secrets through an ordered provider list.
type Chain struct {
	providers []Provider
	log       zerolog.Logger
}

// NewChain builds a resolution chain. Earlier providers win.
func NewChain(log zerolog.Logger, providers ...Provider) *Chain {
	return &Chain{
		providers: providers,
		log:       log.With().Str("component", "secrets").Logger(),
	}
}

// GetSecret walks the chain. A provider's ErrNotFound falls through to
// the next; a hard failure is remembered and surfaces only if nothing
// later resolves the name, so a sick Vault cannot mask an env var.
func (c *Chain) GetSecret(ctx context.Context, name string) (string, error) {
	var firstErr error
	for _, p := range c.providers {
		value, err := p.GetSecret(ctx, name)
		if err == nil {
			c.log.Debug().
				Str("secret", name).
				Str("source", p.Name()).
				Msg("Secret resolved")
			return value, nil
		}
		if errors.Is(err, ErrNotFound) {
			continue
		}
		c.log.Warn().Err(err).
			Str("secret", name).
			Str("source", p.Name()).
			Msg("Secret provider failed, trying next")
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", p.Name(), err)
		}
	}
	if firstErr != nil {
		return "", firstErr
	}
	return "", fmt.Errorf("%q: %w", name, ErrNotFound)
}

// EnvProvider resolves secrets from the process environment. A name like
// "binance.api_key" is looked up as <prefix>BINANCE_API_KEY and, when a
// prefix is configured, falls back to the bare BINANCE_API_KEY so
// third-party conventions like ANTHROPIC_API_KEY keep working.
type EnvProvider struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvProvider builds an environment resolver. prefix is typically
// "BOTFUNK_"; pass "" for bare names only.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix, lookup: lookupEnv}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) GetSecret(ctx context.Context, name string) (string, error) {
	key := EnvName(name)
	if p.prefix != "" {
		if value, ok := p.lookup(p.prefix + key); ok && value != "" {
			return value, nil
		}
	}
	if value, ok := p.lookup(key); ok && value != "" {
		return value, nil
	}
	return "", fmt.Errorf("%q: %w", name, ErrNotFound)
}

// EnvName converts a dotted secret name to environment-variable form:
// uppercase with dots, dashes and slashes folded to underscores.
func EnvName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch r {
		case '.', '-', '/':
			return '_'
		}
		return r
	}, name)
	return strings.ToUpper(mapped)
}
