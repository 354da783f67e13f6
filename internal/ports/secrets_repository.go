//go:generate go tool github.com/maxbrunsfeld/counterfeiter/v6 -generate

package ports

import (
	"context"

	"github.com/hashicorp/vault/api"
)

//counterfeiter:generate -o ../mocks/secrets_repository.go . SecretsRepository

// SecretsRepository reads the broker and cache credentials from the KV engine.
type SecretsRepository interface {
	// SetToken replaces the client token after an AppRole login.
	SetToken(v string)
	GetSecrets(ctx context.Context, path string) (*api.Secret, error)
	WriteWithContext(ctx context.Context, path string, data map[string]any) (*api.Secret, error)
}
