package config

import (
	"fmt"
	"time"

	"github.com/architeacher/svc-messaging/pkg/queue"
	"github.com/architeacher/svc-messaging/pkg/resilience"
)

// Compile time variables are set by -ldflags.
var (
	ServiceVersion string
	CommitSHA      string
	APIVersion     string
)

type (
	ServiceConfig struct {
		AppConfig     AppConfig           `json:"app_config"`
		Logging       LoggingConfig       `json:"logging"`
		Telemetry     Telemetry           `json:"telemetry"`
		SecretStorage SecretStorageConfig `json:"secret_storage"`
		HTTPServer    HTTPServerConfig    `json:"http_server"`
		Cache         CacheConfig         `json:"cache"`
		Broker        BrokerConfig        `json:"broker"`
		Resilience    ResilienceConfig    `json:"resilience"`
		Dedup         DedupConfig         `json:"dedup"`
		Gateway       GatewayConfig       `json:"gateway"`
		Relay         RelayConfig         `json:"relay"`
		Outbox        OutboxConfig        `json:"outbox"`
	}

	AppConfig struct {
		ServiceName    string `envconfig:"APP_SERVICE_NAME" default:"svc-messaging" json:"service_name"`
		ServiceVersion string `envconfig:"APP_SERVICE_VERSION" default:"0.0.0" json:"service_version"`
		CommitSHA      string `envconfig:"APP_COMMIT_SHA" default:"unknown" json:"commit_sha"`
		APIVersion     string `envconfig:"APP_API_VERSION" default:"v1" json:"api_version"`
		Env            string `envconfig:"APP_ENVIRONMENT" default:"unknown" json:"env"`
	}

	LoggingConfig struct {
		Level     string          `envconfig:"LOGGING_LEVEL" default:"info" json:"level"`
		Format    string          `envconfig:"LOGGING_FORMAT" default:"json" json:"format"`
		AccessLog AccessLogConfig `json:"access_log"`
	}

	AccessLogConfig struct {
		Enabled         bool `envconfig:"ACCESS_LOG_ENABLED" default:"true" json:"enabled"`
		LogHealthChecks bool `envconfig:"ACCESS_LOG_HEALTH_CHECKS" default:"false" json:"log_health_checks"`
	}

	Telemetry struct {
		ExporterType string `envconfig:"OTEL_EXPORTER" default:"grpc" json:"exporter_type"`

		OtelGRPCHost       string `envconfig:"OTEL_HOST" json:"otel_grpc_host"`
		OtelGRPCPort       string `envconfig:"OTEL_PORT" default:"4317" json:"otel_grpc_port"`
		OtelProductCluster string `envconfig:"OTEL_PRODUCT_CLUSTER" json:"otel_product_cluster"`

		Metrics Metrics `json:"metrics"`
		Traces  Traces  `json:"traces"`
	}

	Metrics struct {
		Enabled bool `envconfig:"METRICS_ENABLED" default:"false" json:"enabled"`
	}

	Traces struct {
		Enabled      bool    `envconfig:"TRACES_ENABLED" default:"false" json:"enabled"`
		SamplerRatio float64 `envconfig:"TRACES_SAMPLER_RATIO" default:"1" json:"sampler_ratio"`
	}

	SecretStorageConfig struct {
		Enabled       bool          `envconfig:"VAULT_ENABLED" default:"false" json:"enabled"`
		Address       string        `envconfig:"VAULT_ADDRESS" default:"http://vault:8200" json:"address"`
		Token         string        `envconfig:"VAULT_TOKEN" default:"" json:"-"`
		RoleID        string        `envconfig:"VAULT_ROLE_ID" default:"" json:"role_id,omitempty"`
		SecretID      string        `envconfig:"VAULT_SECRET_ID" default:"" json:"-"`
		AuthMethod    string        `envconfig:"VAULT_AUTH_METHOD" default:"token" json:"auth_method"`
		MountPath     string        `envconfig:"VAULT_MOUNT_PATH" default:"svc-messaging" json:"mount_path"`
		Namespace     string        `envconfig:"VAULT_NAMESPACE" default:"" json:"namespace,omitempty"`
		Timeout       time.Duration `envconfig:"VAULT_TIMEOUT" default:"30s" json:"timeout"`
		MaxRetries    int           `envconfig:"VAULT_MAX_RETRIES" default:"3" json:"max_retries"`
		TLSSkipVerify bool          `envconfig:"VAULT_TLS_SKIP_VERIFY" default:"false" json:"tls_skip_verify"`
		PollInterval  time.Duration `envconfig:"VAULT_POLL_INTERVAL" default:"24h" json:"poll_interval"`
	}

	HTTPServerConfig struct {
		Port            int           `envconfig:"HTTP_SERVER_PORT" default:"8088" json:"port"`
		Host            string        `envconfig:"HTTP_SERVER_HOST" default:"0.0.0.0" json:"host"`
		ReadTimeout     time.Duration `envconfig:"HTTP_SERVER_READ_TIMEOUT" default:"30s" json:"read_timeout"`
		WriteTimeout    time.Duration `envconfig:"HTTP_SERVER_WRITE_TIMEOUT" default:"30s" json:"write_timeout"`
		IdleTimeout     time.Duration `envconfig:"HTTP_SERVER_IDLE_TIMEOUT" default:"120s" json:"idle_timeout"`
		ShutdownTimeout time.Duration `envconfig:"HTTP_SERVER_SHUTDOWN_TIMEOUT" default:"30s" json:"shutdown_timeout"`
	}

	CacheConfig struct {
		Enabled      bool          `envconfig:"KEYDB_ENABLED" default:"true" json:"enabled"`
		Addr         string        `envconfig:"KEYDB_ADDR" default:"keydb:6379" json:"addr"`
		Password     string        `envconfig:"KEYDB_PASSWORD" default:"" json:"-"`
		DB           int           `envconfig:"KEYDB_DB" default:"0" json:"db"`
		PoolSize     int           `envconfig:"KEYDB_POOL_SIZE" default:"10" json:"pool_size"`
		MinIdleConns int           `envconfig:"KEYDB_MIN_IDLE_CONNS" default:"3" json:"min_idle_conns"`
		DialTimeout  time.Duration `envconfig:"KEYDB_DIAL_TIMEOUT" default:"5s" json:"dial_timeout"`
		ReadTimeout  time.Duration `envconfig:"KEYDB_READ_TIMEOUT" default:"3s" json:"read_timeout"`
		WriteTimeout time.Duration `envconfig:"KEYDB_WRITE_TIMEOUT" default:"3s" json:"write_timeout"`
		PoolTimeout  time.Duration `envconfig:"KEYDB_POOL_TIMEOUT" default:"5s" json:"pool_timeout"`
		MaxRetries   int           `envconfig:"KEYDB_MAX_RETRIES" default:"3" json:"max_retries"`
	}

	BrokerConfig struct {
		Driver string `envconfig:"BROKER_DRIVER" default:"amqp" json:"driver"`
		// ConnectionString is the driver's "key=value;key=value" descriptor.
		ConnectionString string `envconfig:"BROKER_CONNECTION_STRING" default:"server=rabbitmq:5672;vhost=/;exchange=svc-messaging" json:"-"`
		Username         string `envconfig:"BROKER_USERNAME" default:"" json:"username,omitempty"`
		Password         string `envconfig:"BROKER_PASSWORD" default:"" json:"-"`

		Topic         string        `envconfig:"BROKER_TOPIC" default:"messages" json:"topic"`
		ConsumerGroup string        `envconfig:"BROKER_CONSUMER_GROUP" default:"svc-messaging" json:"consumer_group"`
		Prefetch      int           `envconfig:"BROKER_PREFETCH" default:"10" json:"prefetch"`
		AckWindow     time.Duration `envconfig:"BROKER_ACK_WINDOW" default:"30s" json:"ack_window"`
		CloseTimeout  time.Duration `envconfig:"BROKER_CLOSE_TIMEOUT" default:"15s" json:"close_timeout"`
	}

	ResilienceConfig struct {
		MaxAttempts int           `envconfig:"RESILIENCE_MAX_ATTEMPTS" default:"3" json:"max_attempts"`
		Timeout     time.Duration `envconfig:"RESILIENCE_TIMEOUT" default:"10s" json:"timeout"`
		Backoff     BackoffConfig `json:"backoff"`
		Breaker     BreakerConfig `json:"circuit_breaker"`
		// PolicyFile is an optional YAML file with a default template and per-key overrides.
		PolicyFile string `envconfig:"RESILIENCE_POLICY_FILE" default:"" json:"policy_file"`
	}

	BackoffConfig struct {
		// BaseDelay is the amount of time to backoff after the first failure.
		BaseDelay time.Duration `envconfig:"RESILIENCE_BACKOFF_BASE_DELAY" default:"100ms" json:"base_delay"`
		// Multiplier is the factor with which to multiply backoffs after a
		// failed retry. Should ideally be greater than 1.
		Multiplier float64 `envconfig:"RESILIENCE_BACKOFF_MULTIPLIER" default:"1.6" json:"multiplier"`
		// Jitter is the factor with which backoffs are randomized.
		Jitter float64 `envconfig:"RESILIENCE_BACKOFF_JITTER" default:"0.2" json:"jitter"`
		// MaxDelay is the upper bound of backoff delay.
		MaxDelay time.Duration `envconfig:"RESILIENCE_BACKOFF_MAX_DELAY" default:"5s" json:"max_delay"`
	}

	BreakerConfig struct {
		Disabled         bool          `envconfig:"RESILIENCE_BREAKER_DISABLED" default:"false" json:"disabled"`
		FailureRatio     float64       `envconfig:"RESILIENCE_BREAKER_FAILURE_RATIO" default:"0.6" json:"failure_ratio"`
		MinRequests      uint32        `envconfig:"RESILIENCE_BREAKER_MIN_REQUESTS" default:"5" json:"min_requests"`
		Interval         time.Duration `envconfig:"RESILIENCE_BREAKER_INTERVAL" default:"60s" json:"interval"`
		BreakDuration    time.Duration `envconfig:"RESILIENCE_BREAKER_BREAK_DURATION" default:"30s" json:"break_duration"`
		HalfOpenRequests uint32        `envconfig:"RESILIENCE_BREAKER_HALF_OPEN_REQUESTS" default:"1" json:"half_open_requests"`
	}

	DedupConfig struct {
		Enabled   bool          `envconfig:"DEDUP_ENABLED" default:"true" json:"enabled"`
		TTL       time.Duration `envconfig:"DEDUP_TTL" default:"24h" json:"ttl"`
		Lease     time.Duration `envconfig:"DEDUP_LEASE" default:"30s" json:"lease"`
		KeyPrefix string        `envconfig:"DEDUP_KEY_PREFIX" default:"svc-messaging:dedup:" json:"key_prefix"`
	}

	GatewayConfig struct {
		// FallbackTopic receives requests no route resolves. Empty means unmatched requests fail.
		FallbackTopic string `envconfig:"GATEWAY_FALLBACK_TOPIC" default:"" json:"fallback_topic"`
		MaxBodyBytes  int64  `envconfig:"GATEWAY_MAX_BODY_BYTES" default:"1048576" json:"max_body_bytes"`
	}

	RelayConfig struct {
		// ForwardTopic, when set, receives every message consumed from Broker.Topic.
		ForwardTopic string `envconfig:"RELAY_FORWARD_TOPIC" default:"" json:"forward_topic"`
	}

	OutboxConfig struct {
		Enabled     bool          `envconfig:"OUTBOX_ENABLED" default:"false" json:"enabled"`
		Key         string        `envconfig:"OUTBOX_KEY" default:"svc-messaging:outbox" json:"key"`
		Interval    time.Duration `envconfig:"OUTBOX_INTERVAL" default:"5s" json:"interval"`
		BatchSize   int           `envconfig:"OUTBOX_BATCH_SIZE" default:"50" json:"batch_size"`
		MaxAttempts int           `envconfig:"OUTBOX_MAX_ATTEMPTS" default:"10" json:"max_attempts"`
	}
)

// Settings parses the connection string and overlays the credentials.
func (c BrokerConfig) Settings() (queue.ConnectionSettings, error) {
	settings, err := queue.ParseConnectionString(c.Driver, c.ConnectionString)
	if err != nil {
		return queue.ConnectionSettings{}, fmt.Errorf("broker connection string: %w", err)
	}

	var pairs []queue.Pair

	if c.Username != "" {
		pairs = append(pairs, queue.Pair{Key: queue.SettingUsername, Value: c.Username})
	}

	if c.Password != "" {
		pairs = append(pairs, queue.Pair{Key: queue.SettingPassword, Value: c.Password})
	}

	return settings.With(pairs...), nil
}

// Policy is the default resilience template described by the environment.
func (c ResilienceConfig) Policy() resilience.Policy {
	return resilience.Policy{
		MaxAttempts: c.MaxAttempts,
		Timeout:     c.Timeout,
		Backoff: resilience.BackoffPolicy{
			BaseDelay:  c.Backoff.BaseDelay,
			Multiplier: c.Backoff.Multiplier,
			Jitter:     c.Backoff.Jitter,
			MaxDelay:   c.Backoff.MaxDelay,
		},
		Breaker: resilience.BreakerPolicy{
			Disabled:         c.Breaker.Disabled,
			FailureRatio:     c.Breaker.FailureRatio,
			MinRequests:      c.Breaker.MinRequests,
			Interval:         c.Breaker.Interval,
			BreakDuration:    c.Breaker.BreakDuration,
			HalfOpenRequests: c.Breaker.HalfOpenRequests,
		},
	}
}
