package kafka

import (
	"fmt"
	"time"

	"github.com/architeacher/svc-messaging/pkg/queue"
)

const (
	defaultBatchTimeout = 10 * time.Millisecond
	defaultMaxWait      = 500 * time.Millisecond
)

// Config holds Kafka-specific configuration options.
type Config struct {
	Brokers  []string
	ClientID string

	// BatchTimeout bounds how long the writer waits to fill a batch.
	BatchTimeout time.Duration
	// MaxWait bounds how long a fetch waits for new data.
	MaxWait time.Duration

	DeadLetterTopic string
}

// ConfigFromSettings reads server (comma-separated brokers), client_id, batch_timeout, max_wait
// and dead_letter_topic.
func ConfigFromSettings(settings queue.ConnectionSettings) (Config, error) {
	cfg := Config{
		Brokers:         settings.Strings(queue.SettingServer),
		ClientID:        settings.StringOr(queue.SettingClientID, "svc-messaging"),
		BatchTimeout:    settings.Duration("batch_timeout", defaultBatchTimeout),
		MaxWait:         settings.Duration("max_wait", defaultMaxWait),
		DeadLetterTopic: settings.StringOr(queue.SettingDeadLetterTopic, ""),
	}

	if len(cfg.Brokers) == 0 {
		return Config{}, fmt.Errorf("%w: kafka brokers cannot be empty", queue.ErrInvalidArgument)
	}

	if cfg.DeadLetterTopic != "" {
		if err := validateTopic(cfg.DeadLetterTopic); err != nil {
			return Config{}, fmt.Errorf("dead_letter_topic: %w", err)
		}
	}

	return cfg, nil
}
