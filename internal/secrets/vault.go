package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"
)

// VaultConfig holds the Vault connection and auth settings.
type VaultConfig struct {
	Address    string // Vault server address, e.g. "https://vault.example.com:8200"
	Token      string // token auth; falls back to VAULT_TOKEN
	AuthMethod string // "token" (default), "kubernetes" or "approle"
	MountPath  string // KV v2 mount, default "secret"
	SecretPath string // base path under the mount, e.g. "botfunk/production"
	Namespace  string // Vault Enterprise namespace, optional
	CacheTTL   time.Duration
}

func (c VaultConfig) normalized() VaultConfig {
	if c.Address == "" {
		c.Address = os.Getenv("VAULT_ADDR")
	}
	if c.MountPath == "" {
		c.MountPath = "secret"
	}
	if c.SecretPath == "" {
		c.SecretPath = "botfunk"
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	return c
}

// kvReader is the slice of the Vault client the provider reads through.
// *vault.Logical satisfies it.
type kvReader interface {
	ReadWithContext(ctx context.Context, path string) (*vault.Secret, error)
}

type cachedDoc struct {
	data      map[string]interface{}
	expiresAt time.Time
}

// VaultProvider resolves secrets from Vault's KV v2 engine. A name like
// "binance.api_key" reads the document <mount>/data/<base>/binance and
// returns its "api_key" field. Documents are cached for CacheTTL so a
// burst of lookups at startup costs one round trip per document.
type VaultProvider struct {
	cfg    VaultConfig
	kv     kvReader
	log    zerolog.Logger
	health func(ctx context.Context) error

	mu    sync.RWMutex
	cache map[string]cachedDoc
}

// NewVaultProvider connects and authenticates against Vault. The token
// itself is treated like any other secret: logged never, compared never.
func NewVaultProvider(cfg VaultConfig, log zerolog.Logger) (*VaultProvider, error) {
	cfg = cfg.normalized()
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required (set VAULT_ADDR)")
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address
	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	switch cfg.AuthMethod {
	case "token", "":
		token := cfg.Token
		if token == "" {
			token = os.Getenv("VAULT_TOKEN")
		}
		if token == "" {
			return nil, fmt.Errorf("vault token is required for token auth (set VAULT_TOKEN)")
		}
		client.SetToken(token)
	case "kubernetes":
		if err := loginKubernetes(client); err != nil {
			return nil, fmt.Errorf("kubernetes auth: %w", err)
		}
	case "approle":
		if err := loginAppRole(client); err != nil {
			return nil, fmt.Errorf("approle auth: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported vault auth method %q", cfg.AuthMethod)
	}

	logger := log.With().Str("component", "secrets.vault").Logger()
	logger.Info().
		Str("address", cfg.Address).
		Str("auth_method", authMethodName(cfg.AuthMethod)).
		Str("mount", cfg.MountPath).
		Str("base_path", cfg.SecretPath).
		Dur("cache_ttl", cfg.CacheTTL).
		Msg("Vault provider initialized")

	return &VaultProvider{
		cfg: cfg,
		kv:  client.Logical(),
		log: logger,
		health: func(ctx context.Context) error {
			resp, err := client.Sys().HealthWithContext(ctx)
			if err != nil {
				return err
			}
			if resp.Sealed {
				return fmt.Errorf("vault is sealed")
			}
			return nil
		},
		cache: make(map[string]cachedDoc),
	}, nil
}

func authMethodName(method string) string {
	if method == "" {
		return "token"
	}
	return method
}

func (p *VaultProvider) Name() string { return "vault" }

// GetSecret reads one field of one KV v2 document. A missing document or
// field is ErrNotFound; transport failures are returned as-is so the
// chain can report them.
func (p *VaultProvider) GetSecret(ctx context.Context, name string) (string, error) {
	doc, field := splitSecretName(name)

	data, err := p.readDocument(ctx, doc)
	if err != nil {
		return "", err
	}
	value, ok := data[field].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return value, nil
}

// Health reports whether Vault is reachable and unsealed.
func (p *VaultProvider) Health(ctx context.Context) error {
	return p.health(ctx)
}

func (p *VaultProvider) readDocument(ctx context.Context, doc string) (map[string]interface{}, error) {
	p.mu.RLock()
	cached, ok := p.cache[doc]
	p.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.data, nil
	}

	path := fmt.Sprintf("%s/data/%s/%s", p.cfg.MountPath, p.cfg.SecretPath, doc)
	secret, err := p.kv.ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if secret == nil {
		return nil, fmt.Errorf("document %q: %w", doc, ErrNotFound)
	}

	// KV v2 nests the payload under "data"; KV v1 mounts return it flat.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("document %q: %w", doc, ErrNotFound)
	}

	p.mu.Lock()
	p.cache[doc] = cachedDoc{data: data, expiresAt: time.Now().Add(p.cfg.CacheTTL)}
	p.mu.Unlock()
	p.log.Debug().Str("document", doc).Msg("Vault document cached")
	return data, nil
}

// ClearCache drops every cached document, forcing fresh reads. Used after
// a rotation signal.
func (p *VaultProvider) ClearCache() {
	p.mu.Lock()
	p.cache = make(map[string]cachedDoc)
	p.mu.Unlock()
}

// splitSecretName maps "binance.api_key" to document "binance", field
// "api_key". Nested documents use slashes: "exchanges/binance.api_key".
// A bare name reads the "core" document.
func splitSecretName(name string) (doc, field string) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "core", name
}

func loginKubernetes(client *vault.Client) error {
	jwt, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/token")
	if err != nil {
		return fmt.Errorf("read service account token: %w", err)
	}
	role := os.Getenv("VAULT_K8S_ROLE")
	if role == "" {
		role = "botfunk"
	}
	secret, err := client.Logical().Write("auth/kubernetes/login", map[string]interface{}{
		"jwt":  string(jwt),
		"role": role,
	})
	if err != nil {
		return err
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("login returned no auth token")
	}
	client.SetToken(secret.Auth.ClientToken)
	return nil
}

func loginAppRole(client *vault.Client) error {
	roleID := os.Getenv("VAULT_ROLE_ID")
	secretID := os.Getenv("VAULT_SECRET_ID")
	if roleID == "" || secretID == "" {
		return fmt.Errorf("VAULT_ROLE_ID and VAULT_SECRET_ID must be set")
	}
	secret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return err
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("login returned no auth token")
	}
	client.SetToken(secret.Auth.ClientToken)
	return nil
}
