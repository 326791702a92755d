// Package secrets resolves "vault:" reference strings embedded in
// CoreConfig fields (Mongo URI, Postgres DSN, Redis address) against
// HashiCorp Vault's KV v2 engine, the way the teacher's go.mod already
// anticipates (hashicorp/vault/api) for credentials a host application
// would rather not commit to its TOML file. Resolution is opt-in: a
// field left as a literal string passes through Load untouched.
package secrets

import (
	"context"
	"fmt"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
)

// Config configures the Vault client used to resolve "vault:" references.
type Config struct {
	Addr  string
	Token string
}

// Client wraps a Vault API client scoped to KV v2 secret resolution.
type Client struct {
	api *vaultapi.Client
}

// NewClient builds a Client against the given Vault address and token.
func NewClient(cfg Config) (*Client, error) {
	vc := vaultapi.DefaultConfig()
	if cfg.Addr != "" {
		vc.Address = cfg.Addr
	}
	api, err := vaultapi.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("secrets: failed to build vault client: %w", err)
	}
	if cfg.Token != "" {
		api.SetToken(cfg.Token)
	}
	return &Client{api: api}, nil
}

const refPrefix = "vault:"

// IsRef reports whether s is a "vault:<mount>/data/<path>#<key>" reference
// rather than a literal value.
func IsRef(s string) bool {
	return strings.HasPrefix(s, refPrefix)
}

// Resolve fetches the secret value named by a "vault:<mount>/data/<path>#<key>"
// reference. Non-reference strings are returned unchanged, so callers can
// run every config field through Resolve unconditionally.
func (c *Client) Resolve(ctx context.Context, ref string) (string, error) {
	if !IsRef(ref) {
		return ref, nil
	}
	body := strings.TrimPrefix(ref, refPrefix)
	path, key, ok := strings.Cut(body, "#")
	if !ok || path == "" || key == "" {
		return "", fmt.Errorf("secrets: malformed vault reference %q, want vault:<path>#<key>", ref)
	}

	secret, err := c.api.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("secrets: vault read %q: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secrets: no secret found at %q", path)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}
	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("secrets: key %q not present at %q", key, path)
	}
	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("secrets: key %q at %q is not a string", key, path)
	}
	return str, nil
}

// ResolveAll resolves every "vault:" reference in refs in place, stopping
// at the first error. refs maps a caller-chosen label (used only for
// error context) to a pointer at the string field to resolve.
func (c *Client) ResolveAll(ctx context.Context, refs map[string]*string) error {
	for label, field := range refs {
		resolved, err := c.Resolve(ctx, *field)
		if err != nil {
			return fmt.Errorf("secrets: resolving %s: %w", label, err)
		}
		*field = resolved
	}
	return nil
}
