// Package secrets resolves tenant secret references. Values of the form
// "vault:<mount>/<path>#<field>" are fetched from Vault KV v2; anything
// else is returned as-is.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

const refPrefix = "vault:"

type kvReader interface {
	Get(ctx context.Context, path string) (*vault.KVSecret, error)
}

type kvMounter interface {
	KVv2(mount string) kvReader
}

// Resolver resolves secret references against a Vault server.
type Resolver struct {
	mounts kvMounter
}

// Options configure a Resolver.
type Options struct {
	Addr  string
	Token string
}

type vaultMounter struct {
	client *vault.Client
}

func (m vaultMounter) KVv2(mount string) kvReader {
	return m.client.KVv2(mount)
}

// New builds a Resolver. Returns nil when no Vault address is configured;
// a nil Resolver resolves every reference literally.
func New(opts Options) (*Resolver, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, nil
	}

	cfg := vault.DefaultConfig()
	cfg.Address = addr
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if token := strings.TrimSpace(opts.Token); token != "" {
		client.SetToken(token)
	}
	return &Resolver{mounts: vaultMounter{client: client}}, nil
}

// Resolve returns the secret value for ref. Non-vault references pass
// through unchanged.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, refPrefix) {
		return ref, nil
	}
	if r == nil || r.mounts == nil {
		return "", errors.New("vault reference used but vault is not configured")
	}

	mount, path, field, err := splitRef(ref)
	if err != nil {
		return "", err
	}

	secret, err := r.mounts.KVv2(mount).Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("vault read %s/%s: %w", mount, path, err)
	}
	value, ok := secret.Data[field].(string)
	if !ok {
		return "", fmt.Errorf("vault secret %s/%s has no string field %q", mount, path, field)
	}
	return value, nil
}

func splitRef(ref string) (mount, path, field string, err error) {
	rest := strings.TrimPrefix(ref, refPrefix)
	rest, field, ok := strings.Cut(rest, "#")
	if !ok || strings.TrimSpace(field) == "" {
		return "", "", "", fmt.Errorf("secret reference %q is missing a #field", ref)
	}
	mount, path, ok = strings.Cut(rest, "/")
	if !ok || strings.TrimSpace(mount) == "" || strings.TrimSpace(path) == "" {
		return "", "", "", fmt.Errorf("secret reference %q must be vault:<mount>/<path>#<field>", ref)
	}
	return mount, path, strings.TrimSpace(field), nil
}
