package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/architeacher/svc-messaging/pkg/queue"
)

type MockSecretsRepository struct {
	mock.Mock
}

func (m *MockSecretsRepository) SetToken(v string) {
	m.Called(v)
}

func (m *MockSecretsRepository) GetSecrets(ctx context.Context, path string) (*api.Secret, error) {
	args := m.Called(ctx, path)

	secret, _ := args.Get(0).(*api.Secret)

	return secret, args.Error(1)
}

func (m *MockSecretsRepository) WriteWithContext(ctx context.Context, path string, data map[string]any) (*api.Secret, error) {
	args := m.Called(ctx, path, data)

	secret, _ := args.Get(0).(*api.Secret)

	return secret, args.Error(1)
}

func kvSecret(version int, data map[string]any) *api.Secret {
	return &api.Secret{Data: map[string]any{
		"data":     data,
		"metadata": map[string]any{"version": json.Number(strconv.Itoa(version))},
	}}
}

func TestLoad(t *testing.T) {
	t.Setenv("APP_ENVIRONMENT", "sandbox")
	t.Setenv("APP_SERVICE_VERSION", "1.0.0")
	t.Setenv("APP_COMMIT_SHA", "1234xwz")
	t.Setenv("LOGGING_LEVEL", "debug")
	t.Setenv("BROKER_DRIVER", "kafka")
	t.Setenv("BROKER_CONNECTION_STRING", "server=k1:9092,k2:9092")
	t.Setenv("BROKER_USERNAME", "john.doe")
	t.Setenv("KEYDB_PASSWORD", "insecure.password")
	t.Setenv("RESILIENCE_MAX_ATTEMPTS", "5")

	cfg, err := Init()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "sandbox", cfg.AppConfig.Env)
	assert.Equal(t, "svc-messaging", cfg.AppConfig.ServiceName)
	assert.Equal(t, "1.0.0", cfg.AppConfig.ServiceVersion)
	assert.Equal(t, "1234xwz", cfg.AppConfig.CommitSHA)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "kafka", cfg.Broker.Driver)
	assert.Equal(t, "john.doe", cfg.Broker.Username)
	assert.Equal(t, "insecure.password", cfg.Cache.Password)
	assert.Equal(t, 30*time.Second, cfg.Broker.AckWindow)
	assert.Equal(t, 5, cfg.Resilience.Policy().MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Resilience.Policy().Backoff.BaseDelay)
}

func TestInit_RejectsInvalidResilience(t *testing.T) {
	t.Setenv("RESILIENCE_MAX_ATTEMPTS", "0")

	_, err := Init()
	require.Error(t, err)
}

func TestBrokerConfig_Settings(t *testing.T) {
	t.Parallel()

	cfg := BrokerConfig{
		Driver:           "amqp",
		ConnectionString: "server=rabbitmq:5672;username=guest;vhost=/",
		Username:         "app",
		Password:         "secret",
	}

	settings, err := cfg.Settings()
	require.NoError(t, err)

	assert.Equal(t, "amqp", settings.Driver())
	assert.Equal(t, "app", settings.StringOr(queue.SettingUsername, ""))
	assert.Equal(t, "secret", settings.StringOr(queue.SettingPassword, ""))
	assert.Equal(t, "rabbitmq:5672", settings.StringOr(queue.SettingServer, ""))
	assert.NotContains(t, settings.Redacted(), "secret")

	cfg.ConnectionString = "server"
	_, err = cfg.Settings()
	require.ErrorIs(t, err, queue.ErrInvalidArgument)
}

func TestResilienceConfig_LoadPolicies(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default:
  max_attempts: 4
  timeout: 2s
policies:
  Queue/Produce/audit:
    max_attempts: 1
    rate_limit:
      per_second: 100
      burst: 20
      max_wait: 250ms
`), 0o600))

	base := ResilienceConfig{
		MaxAttempts: 3,
		Timeout:     10 * time.Second,
		Backoff:     BackoffConfig{BaseDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.2, MaxDelay: time.Second},
		Breaker:     BreakerConfig{FailureRatio: 0.5, MinRequests: 5, Interval: time.Minute, BreakDuration: time.Second, HalfOpenRequests: 1},
	}

	def, overrides, err := base.LoadPolicies()
	require.NoError(t, err)
	assert.Equal(t, 3, def.MaxAttempts)
	assert.Nil(t, overrides)

	base.PolicyFile = path

	def, overrides, err = base.LoadPolicies()
	require.NoError(t, err)

	assert.Equal(t, 4, def.MaxAttempts)
	assert.Equal(t, 2*time.Second, def.Timeout)
	assert.Equal(t, 100*time.Millisecond, def.Backoff.BaseDelay)

	require.Contains(t, overrides, "Queue/Produce/audit")
	audit := overrides["Queue/Produce/audit"]
	assert.Equal(t, 1, audit.MaxAttempts)
	assert.Equal(t, 100, audit.RateLimit.PerSecond)
	assert.Equal(t, 250*time.Millisecond, audit.RateLimit.MaxWait)
}

func TestParsePolicies_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := ParsePolicies([]byte("default:\n  retries: 3\n"))
	require.Error(t, err)

	file, err := ParsePolicies(nil)
	require.NoError(t, err)
	assert.Nil(t, file.Default)
}

func vaultConfig() *ServiceConfig {
	return &ServiceConfig{
		Broker: BrokerConfig{Driver: "amqp", ConnectionString: "server=rabbitmq:5672"},
		SecretStorage: SecretStorageConfig{
			Enabled:    true,
			AuthMethod: "token",
			Token:      "root",
			MountPath:  "svc-messaging",
			Timeout:    time.Second,
		},
	}
}

func TestLoader_Load(t *testing.T) {
	t.Parallel()

	cfg := vaultConfig()

	repo := &MockSecretsRepository{}
	repo.On("SetToken", "root").Once()
	repo.On("GetSecrets", mock.Anything, "apps/data/svc-messaging").Return(kvSecret(3, map[string]any{
		"BROKER_PASSWORD": "from-vault",
		"KEYDB_ADDR":      "keydb-2:6379",
		"UNRELATED":       "ignored",
	}), nil).Once()

	version, err := NewLoader(cfg, repo, 0).Load(t.Context())
	require.NoError(t, err)

	assert.Equal(t, uint(3), version)
	assert.Equal(t, "from-vault", cfg.Broker.Password)
	assert.Equal(t, "keydb-2:6379", cfg.Cache.Addr)
	repo.AssertExpectations(t)
}

func TestLoader_LoadRequiresEnabledStorage(t *testing.T) {
	t.Parallel()

	cfg := vaultConfig()
	cfg.SecretStorage.Enabled = false

	_, err := NewLoader(cfg, &MockSecretsRepository{}, 0).Load(t.Context())
	require.ErrorIs(t, err, errSecretStorageDisabled)
}

func TestLoader_LoadApprole(t *testing.T) {
	t.Parallel()

	cfg := vaultConfig()
	cfg.SecretStorage.AuthMethod = "approle"
	cfg.SecretStorage.RoleID = "role"
	cfg.SecretStorage.SecretID = "secret"

	repo := &MockSecretsRepository{}
	repo.On("WriteWithContext", mock.Anything, "auth/approle/login", mock.Anything).
		Return(&api.Secret{Auth: &api.SecretAuth{ClientToken: "issued"}}, nil).Once()
	repo.On("SetToken", "issued").Once()
	repo.On("GetSecrets", mock.Anything, mock.Anything).Return(kvSecret(1, nil), nil).Once()

	_, err := NewLoader(cfg, repo, 0).Load(t.Context())
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestLoader_ReloadSkipsSameVersionAndRunsHooks(t *testing.T) {
	t.Parallel()

	cfg := vaultConfig()

	repo := &MockSecretsRepository{}
	repo.On("GetSecrets", mock.Anything, mock.Anything).Return(kvSecret(2, map[string]any{
		"BROKER_PASSWORD": "rotated",
	}), nil).Once()
	repo.On("GetSecrets", mock.Anything, mock.Anything).Return(kvSecret(3, map[string]any{
		"BROKER_PASSWORD": "rotated",
	}), nil).Once()

	hookCalls := 0
	loader := NewLoader(cfg, repo, 2, func(context.Context, *ServiceConfig) error {
		hookCalls++

		return nil
	})

	loader.Reload(t.Context())
	require.NoError(t, <-loader.reloadErrors)
	assert.Empty(t, cfg.Broker.Password)

	loader.Reload(t.Context())
	require.NoError(t, <-loader.reloadErrors)
	assert.Equal(t, "rotated", cfg.Broker.Password)

	assert.Equal(t, 2, hookCalls)
}

func TestLoader_ReloadReportsHookFailure(t *testing.T) {
	t.Parallel()

	cfg := vaultConfig()
	cfg.SecretStorage.Enabled = false

	errHook := errors.New("bad policy file")
	loader := NewLoader(cfg, nil, 0, func(context.Context, *ServiceConfig) error { return errHook })

	loader.Reload(t.Context())
	require.ErrorIs(t, <-loader.reloadErrors, errHook)
}
