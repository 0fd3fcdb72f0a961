package config

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// ResolveSecrets overrides token secrets with values stored in Vault when a
// Vault address is configured. Keys missing from the secret leave the
// environment values in place.
func ResolveSecrets(ctx context.Context, cfg *Config) error {
	if cfg.Vault.Addr == "" {
		return nil
	}
	if cfg.Vault.Token == "" || cfg.Vault.Path == "" {
		return fmt.Errorf("vault: VAULT_TOKEN and VAULT_PATH are required when VAULT_ADDR is set")
	}

	client, err := api.NewClient(&api.Config{Address: cfg.Vault.Addr})
	if err != nil {
		return fmt.Errorf("vault: init client: %w", err)
	}
	client.SetToken(cfg.Vault.Token)

	secret, err := client.Logical().ReadWithContext(ctx, cfg.Vault.Path)
	if err != nil {
		return fmt.Errorf("vault: read %s: %w", cfg.Vault.Path, err)
	}
	if secret == nil || secret.Data == nil {
		return fmt.Errorf("vault: no secrets found at path: %s", cfg.Vault.Path)
	}
	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		data = secret.Data
	}

	if v, ok := data["TOKEN_SIGNING_SECRET"].(string); ok && v != "" {
		cfg.Tokens.SigningSecret = v
	}
	if v, ok := data["SESSION_JWT_SECRET"].(string); ok && v != "" {
		cfg.Tokens.SessionSecret = v
	}
	return nil
}
