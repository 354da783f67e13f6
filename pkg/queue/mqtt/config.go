package mqtt

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/architeacher/svc-messaging/pkg/queue"
)

const (
	defaultQoS            byte = 1
	defaultKeepAlive           = 30 * time.Second
	defaultConnectTimeout      = 10 * time.Second
	defaultMaxInflight         = 256
)

// Config holds the MQTT client settings.
type Config struct {
	Servers  []string
	ClientID string
	Username string
	Password string

	// QoS is used for persistent produces and for subscriptions. Transient produces use QoS 0.
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	CleanSession   bool

	DeadLetterTopic string
	// MaxInflight bounds how many received messages wait per subscription before the client
	// stops reading from the broker.
	MaxInflight int
}

// ConfigFromSettings reads server (comma-separated, "host:port" or a URL), client_id, username,
// password, qos, keep_alive, connect_timeout, clean_session, max_inflight and dead_letter_topic.
func ConfigFromSettings(settings queue.ConnectionSettings) (Config, error) {
	cfg := Config{
		ClientID:        settings.StringOr(queue.SettingClientID, "svc-messaging-"+uuid.NewString()[:8]),
		Username:        settings.StringOr(queue.SettingUsername, ""),
		Password:        settings.StringOr(queue.SettingPassword, ""),
		KeepAlive:       settings.Duration("keep_alive", defaultKeepAlive),
		ConnectTimeout:  settings.Duration(queue.SettingConnectTimeout, defaultConnectTimeout),
		CleanSession:    settings.Bool("clean_session", true),
		DeadLetterTopic: settings.StringOr(queue.SettingDeadLetterTopic, ""),
		MaxInflight:     settings.Int("max_inflight", defaultMaxInflight),
	}

	qos := settings.Int(queue.SettingQoS, int(defaultQoS))
	if qos < 0 || qos > 2 {
		return Config{}, fmt.Errorf("%w: qos must be 0, 1 or 2, got %d", queue.ErrInvalidArgument, qos)
	}

	cfg.QoS = byte(qos)

	servers := settings.Strings(queue.SettingServer)
	if len(servers) == 0 {
		servers = []string{"localhost:1883"}
	}

	for _, server := range servers {
		if !strings.Contains(server, "://") {
			server = "tcp://" + server
		}

		cfg.Servers = append(cfg.Servers, server)
	}

	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = defaultMaxInflight
	}

	if cfg.DeadLetterTopic != "" {
		if err := validateTopic(cfg.DeadLetterTopic); err != nil {
			return Config{}, fmt.Errorf("dead_letter_topic: %w", err)
		}
	}

	return cfg, nil
}
