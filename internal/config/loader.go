package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/kelseyhightower/envconfig"

	"github.com/architeacher/svc-messaging/internal/ports"
	"github.com/architeacher/svc-messaging/pkg/resilience"
)

var errSecretStorageDisabled = errors.New("secret storage is not enabled")

// ReloadHook runs after every reload request, once secrets were refreshed.
type ReloadHook func(ctx context.Context, cfg *ServiceConfig) error

// Loader handles configuration loading and reloading.
type Loader struct {
	cfg              *ServiceConfig
	secretsRepo      ports.SecretsRepository
	hooks            []ReloadHook
	configSignalChan chan os.Signal
	reloadErrors     chan error
	ticker           *time.Ticker
	lastVersion      uint
}

// NewLoader creates a new config loader instance. secretsRepo may be nil when secret storage is
// disabled.
func NewLoader(cfg *ServiceConfig, secretsRepo ports.SecretsRepository, initialVersion uint, hooks ...ReloadHook) *Loader {
	return &Loader{
		cfg:              cfg,
		secretsRepo:      secretsRepo,
		hooks:            hooks,
		configSignalChan: make(chan os.Signal, 1),
		reloadErrors:     make(chan error, 1),
		lastVersion:      initialVersion,
	}
}

// WatchConfigSignals monitors for SIGHUP (reload) and SIGUSR1 (dump) signals.
// It also starts a background ticker for periodic secret reloading if enabled.
// It returns a channel that will receive reload results for logging by the caller.
func (l *Loader) WatchConfigSignals(ctx context.Context) <-chan error {
	signal.Notify(l.configSignalChan, syscall.SIGHUP, syscall.SIGUSR1)

	if l.cfg.SecretStorage.Enabled && l.cfg.SecretStorage.PollInterval > 0 {
		l.ticker = time.NewTicker(l.cfg.SecretStorage.PollInterval)
	}

	go func() {
		defer signal.Stop(l.configSignalChan)
		defer close(l.reloadErrors)

		var reloadTickerChan <-chan time.Time
		if l.ticker != nil {
			defer l.ticker.Stop()

			reloadTickerChan = l.ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				return

			case <-reloadTickerChan:
				l.Reload(ctx)

			case sig := <-l.configSignalChan:
				switch sig {
				case syscall.SIGHUP:
					l.Reload(ctx)

				case syscall.SIGUSR1:
					l.DumpConfig()
				}
			}
		}
	}()

	return l.reloadErrors
}

// DumpConfig outputs the current configuration to stdout as JSON. Secrets are omitted.
func (l *Loader) DumpConfig() {
	configJSON, err := json.MarshalIndent(l.cfg, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stdout, "Error marshaling config: %v\n", err)

		return
	}

	fmt.Fprintf(os.Stdout, "\n=== Configuration Dump ===\n%s\n=== End Configuration ===\n\n", string(configJSON))
}

// Reload refreshes secrets when their version changed and then runs the reload hooks.
func (l *Loader) Reload(ctx context.Context) {
	if l.cfg.SecretStorage.Enabled && l.secretsRepo != nil {
		if err := l.reloadSecrets(ctx); err != nil {
			l.reportReloadStatus(err)

			return
		}
	}

	var errs []error

	for _, hook := range l.hooks {
		errs = append(errs, hook(ctx, l.cfg))
	}

	l.reportReloadStatus(errors.Join(errs...))
}

func (l *Loader) reloadSecrets(ctx context.Context) error {
	secret, err := l.readSecrets(ctx)
	if err != nil {
		return err
	}

	version, err := secretVersion(secret)
	if err != nil {
		return fmt.Errorf("failed to get secret version: %w", err)
	}

	if version == l.lastVersion {
		return nil
	}

	if err := applySecretsToConfig(l.cfg, secretData(secret)); err != nil {
		return err
	}

	l.lastVersion = version

	return nil
}

// Load authenticates against Vault and overlays the stored secrets onto the configuration.
func (l *Loader) Load(ctx context.Context) (uint, error) {
	if !l.cfg.SecretStorage.Enabled {
		return 0, errSecretStorageDisabled
	}

	if err := authenticateVault(ctx, l.secretsRepo, l.cfg.SecretStorage); err != nil {
		return 0, fmt.Errorf("failed to authenticate with Vault: %w", err)
	}

	secret, err := l.readSecrets(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load secrets from Vault: %w", err)
	}

	if err := applySecretsToConfig(l.cfg, secretData(secret)); err != nil {
		return 0, err
	}

	version, err := secretVersion(secret)
	if err != nil {
		return 0, fmt.Errorf("failed to get secret version: %w", err)
	}

	l.lastVersion = version

	return version, nil
}

// Init config from environment variables.
func Init() (*ServiceConfig, error) {
	cfg := &ServiceConfig{}

	err := envconfig.Process("", cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to parse service configuration: %w", err)
	}

	if len(ServiceVersion) != 0 {
		cfg.AppConfig.ServiceVersion = ServiceVersion
	}

	if len(CommitSHA) != 0 {
		cfg.AppConfig.CommitSHA = CommitSHA
	}

	if len(APIVersion) != 0 {
		cfg.AppConfig.APIVersion = APIVersion
	}

	if err := cfg.Resilience.Policy().Validate(); err != nil {
		return nil, fmt.Errorf("resilience configuration: %w", err)
	}

	return cfg, nil
}

func authenticateVault(ctx context.Context, client ports.SecretsRepository, config SecretStorageConfig) error {
	switch strings.ToLower(config.AuthMethod) {
	case "token":
		if config.Token == "" {
			return fmt.Errorf("token is required for token auth method")
		}

		client.SetToken(config.Token)

		return nil

	case "approle":
		if config.RoleID == "" || config.SecretID == "" {
			return fmt.Errorf("role_id and secret_id are required for approle auth method")
		}

		data := map[string]any{
			"role_id":   config.RoleID,
			"secret_id": config.SecretID,
		}

		resp, err := client.WriteWithContext(ctx, "auth/approle/login", data)
		if err != nil {
			return fmt.Errorf("failed to authenticate via approle: %w", err)
		}

		if resp == nil || resp.Auth == nil {
			return fmt.Errorf("no auth info returned from Vault")
		}

		client.SetToken(resp.Auth.ClientToken)

		return nil

	default:
		return fmt.Errorf("unsupported auth method: %s", config.AuthMethod)
	}
}

// readSecrets reads the KV v2 entry apps/data/<mount>, retrying with exponential backoff.
func (l *Loader) readSecrets(ctx context.Context) (*api.Secret, error) {
	storage := l.cfg.SecretStorage
	path := "apps/data/" + storage.MountPath

	ctx, cancel := context.WithTimeout(ctx, storage.Timeout)
	defer cancel()

	backoff := resilience.NewExponentialStrategy(resilience.BackoffPolicy{
		BaseDelay:  time.Second,
		Multiplier: 2,
		Jitter:     0.2,
		MaxDelay:   10 * time.Second,
	})

	var (
		secret *api.Secret
		err    error
	)

	for attempt := 0; attempt <= storage.MaxRetries; attempt++ {
		secret, err = l.secretsRepo.GetSecrets(ctx, path)
		if err == nil {
			return secret, nil
		}

		if attempt == storage.MaxRetries {
			break
		}

		select {
		case <-time.After(backoff.Backoff(attempt)):
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to read from path %s: %w", path, ctx.Err())
		}
	}

	return nil, fmt.Errorf("failed to read from path %s after %d retries: %w", path, storage.MaxRetries, err)
}

func secretData(secret *api.Secret) map[string]any {
	if secret == nil || secret.Data == nil {
		return nil
	}

	data, _ := secret.Data["data"].(map[string]any)

	return data
}

func secretVersion(secret *api.Secret) (uint, error) {
	if secret == nil || secret.Data == nil {
		return 0, nil
	}

	metadata, ok := secret.Data["metadata"].(map[string]any)
	if !ok {
		return 0, nil
	}

	version, ok := metadata["version"]
	if !ok {
		return 0, nil
	}

	switch v := version.(type) {
	case float64:
		return uint(v), nil
	case int:
		return uint(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("failed to parse version: %w", err)
		}

		return uint(n), nil
	default:
		return 0, fmt.Errorf("unexpected version type: %T", version)
	}
}

// applySecretsToConfig overlays flat key-value pairs stored in Vault.
func applySecretsToConfig(cfg *ServiceConfig, data map[string]any) error {
	for key, value := range data {
		strValue, ok := value.(string)
		if !ok || strValue == "" {
			continue
		}

		switch key {
		// Broker secrets
		case "BROKER_CONNECTION_STRING":
			cfg.Broker.ConnectionString = strValue
		case "BROKER_USERNAME":
			cfg.Broker.Username = strValue
		case "BROKER_PASSWORD":
			cfg.Broker.Password = strValue

		// Cache secrets
		case "KEYDB_ADDR":
			cfg.Cache.Addr = strValue
		case "KEYDB_PASSWORD":
			cfg.Cache.Password = strValue
		}
	}

	if _, err := cfg.Broker.Settings(); err != nil {
		return fmt.Errorf("failed to apply secrets to config: %w", err)
	}

	return nil
}

// reportReloadStatus sends reload status (error or nil for success) to reloadErrors channel.
// It uses non-blocking send to avoid blocking if no receiver is ready.
func (l *Loader) reportReloadStatus(err error) {
	select {
	case l.reloadErrors <- err:
	default:
	}
}
