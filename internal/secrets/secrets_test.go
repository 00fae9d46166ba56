package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name   string
	values map[string]string
	err    error
	calls  int
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) GetSecret(ctx context.Context, name string) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	if v, ok := p.values[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%q: %w", name, ErrNotFound)
}

func TestEnvName(t *testing.T) {
	cases := map[string]string{
		"binance.api_key":           "BINANCE_API_KEY",
		"llm.anthropic_api_key":     "LLM_ANTHROPIC_API_KEY",
		"telegram-bot.token":        "TELEGRAM_BOT_TOKEN",
		"exchanges/binance.api_key": "EXCHANGES_BINANCE_API_KEY",
		"TOKEN":                     "TOKEN",
	}
	for in, want := range cases {
		assert.Equal(t, want, EnvName(in), "input %q", in)
	}
}

func TestEnvProviderPrefixThenBare(t *testing.T) {
	t.Setenv("BOTFUNK_BINANCE_API_KEY", "prefixed")
	t.Setenv("ANTHROPIC_API_KEY", "bare")

	p := NewEnvProvider("BOTFUNK_")

	v, err := p.GetSecret(context.Background(), "binance.api_key")
	require.NoError(t, err)
	assert.Equal(t, "prefixed", v)

	// No BOTFUNK_ANTHROPIC_API_KEY set: the bare conventional name wins.
	v, err = p.GetSecret(context.Background(), "anthropic_api_key")
	require.NoError(t, err)
	assert.Equal(t, "bare", v)

	_, err = p.GetSecret(context.Background(), "missing.secret")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChainPrefersEarlierProviders(t *testing.T) {
	env := &stubProvider{name: "env", values: map[string]string{"db.password": "from-env"}}
	vlt := &stubProvider{name: "vault", values: map[string]string{
		"db.password": "from-vault",
		"api.token":   "vault-only",
	}}
	chain := NewChain(zerolog.Nop(), env, vlt)

	v, err := chain.GetSecret(context.Background(), "db.password")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)
	assert.Zero(t, vlt.calls, "later providers are not consulted on a hit")

	v, err = chain.GetSecret(context.Background(), "api.token")
	require.NoError(t, err)
	assert.Equal(t, "vault-only", v)
}

func TestChainSurfacesHardFailureOnlyWhenUnresolved(t *testing.T) {
	boom := errors.New("connection refused")
	sick := &stubProvider{name: "vault", err: boom}
	healthy := &stubProvider{name: "env", values: map[string]string{"a": "1"}}

	// The sick provider is skipped when a later one resolves.
	chain := NewChain(zerolog.Nop(), sick, healthy)
	v, err := chain.GetSecret(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	// When nothing resolves, the hard failure wins over not-found.
	_, err = chain.GetSecret(context.Background(), "b")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	// All-miss chains report not-found.
	chain = NewChain(zerolog.Nop(), healthy)
	_, err = chain.GetSecret(context.Background(), "b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSplitSecretName(t *testing.T) {
	cases := []struct {
		in, doc, field string
	}{
		{"binance.api_key", "binance", "api_key"},
		{"exchanges/binance.api_key", "exchanges/binance", "api_key"},
		{"token", "core", "token"},
	}
	for _, tc := range cases {
		doc, field := splitSecretName(tc.in)
		assert.Equal(t, tc.doc, doc, "input %q", tc.in)
		assert.Equal(t, tc.field, field, "input %q", tc.in)
	}
}

type fakeKV struct {
	mu    sync.Mutex
	docs  map[string]*vault.Secret
	err   error
	reads []string
}

func (f *fakeKV) ReadWithContext(ctx context.Context, path string) (*vault.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, path)
	if f.err != nil {
		return nil, f.err
	}
	return f.docs[path], nil
}

func (f *fakeKV) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reads)
}

func newTestVaultProvider(kv kvReader) *VaultProvider {
	return &VaultProvider{
		cfg:   VaultConfig{MountPath: "secret", SecretPath: "botfunk", CacheTTL: time.Minute}.normalized(),
		kv:    kv,
		log:   zerolog.Nop(),
		cache: make(map[string]cachedDoc),
	}
}

func TestVaultProviderReadsKVv2AndCaches(t *testing.T) {
	kv := &fakeKV{docs: map[string]*vault.Secret{
		"secret/data/botfunk/binance": {Data: map[string]interface{}{
			"data": map[string]interface{}{
				"api_key":    "k-123",
				"api_secret": "s-456",
			},
		}},
	}}
	p := newTestVaultProvider(kv)

	v, err := p.GetSecret(context.Background(), "binance.api_key")
	require.NoError(t, err)
	assert.Equal(t, "k-123", v)

	// Second field of the same document comes from cache.
	v, err = p.GetSecret(context.Background(), "binance.api_secret")
	require.NoError(t, err)
	assert.Equal(t, "s-456", v)
	assert.Equal(t, 1, kv.readCount())

	p.ClearCache()
	_, err = p.GetSecret(context.Background(), "binance.api_key")
	require.NoError(t, err)
	assert.Equal(t, 2, kv.readCount())
}

func TestVaultProviderMissingDocumentAndField(t *testing.T) {
	kv := &fakeKV{docs: map[string]*vault.Secret{
		"secret/data/botfunk/llm": {Data: map[string]interface{}{
			"data": map[string]interface{}{"openai_api_key": "k"},
		}},
	}}
	p := newTestVaultProvider(kv)

	_, err := p.GetSecret(context.Background(), "llm.missing_key")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = p.GetSecret(context.Background(), "nothere.key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVaultProviderTransportErrorIsNotNotFound(t *testing.T) {
	boom := errors.New("dial tcp: connection refused")
	p := newTestVaultProvider(&fakeKV{err: boom})

	_, err := p.GetSecret(context.Background(), "binance.api_key")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, boom)
}

func TestVaultProviderUnwrapsKVv1(t *testing.T) {
	kv := &fakeKV{docs: map[string]*vault.Secret{
		"secret/data/botfunk/core": {Data: map[string]interface{}{
			"token": "flat-value",
		}},
	}}
	p := newTestVaultProvider(kv)

	v, err := p.GetSecret(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, "flat-value", v)
}
