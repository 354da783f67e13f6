package repos

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// VaultRepository reads and writes KV secrets the config loader merges over the environment.
type VaultRepository struct {
	vaultClient *api.Client
}

func NewVaultRepository(vaultClient *api.Client) *VaultRepository {
	return &VaultRepository{
		vaultClient: vaultClient,
	}
}

func (r *VaultRepository) SetToken(v string) {
	r.vaultClient.SetToken(v)
}

func (r *VaultRepository) GetSecrets(ctx context.Context, path string) (*api.Secret, error) {
	secret, err := r.vaultClient.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets at %s: %w", path, err)
	}

	return secret, nil
}

func (r *VaultRepository) WriteWithContext(ctx context.Context, path string, data map[string]any) (*api.Secret, error) {
	secret, err := r.vaultClient.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, fmt.Errorf("failed to write secrets at %s: %w", path, err)
	}

	return secret, nil
}
