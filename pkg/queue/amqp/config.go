package amqp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/architeacher/svc-messaging/pkg/queue"
)

const (
	defaultPort           = 5672
	defaultTLSPort        = 5671
	defaultHeartbeat      = 10 * time.Second
	defaultConnectTimeout = 30 * time.Second
)

// Config is used to establish a connection with a RabbitMQ server.
type Config struct {
	Scheme   string
	Username string
	Password string
	Host     string
	Port     int
	Vhost    string

	Heartbeat      time.Duration
	ConnectTimeout time.Duration

	// Exchange, when set, is a durable direct exchange each topic queue is bound to by name.
	Exchange string
	// DeadLetterTopic receives messages rejected without requeue.
	DeadLetterTopic string
}

// ConfigFromSettings reads server, username, password, vhost, tls, heartbeat, connect_timeout,
// exchange and dead_letter_topic. server accepts "host", "host:port" or an amqp(s) URL.
func ConfigFromSettings(settings queue.ConnectionSettings) (Config, error) {
	cfg := Config{
		Scheme:          "amqp",
		Host:            "localhost",
		Port:            defaultPort,
		Vhost:           "/",
		Heartbeat:       settings.Duration("heartbeat", defaultHeartbeat),
		ConnectTimeout:  settings.Duration(queue.SettingConnectTimeout, defaultConnectTimeout),
		Exchange:        settings.StringOr(queue.SettingExchange, ""),
		DeadLetterTopic: settings.StringOr(queue.SettingDeadLetterTopic, ""),
	}

	if settings.Bool("tls", false) {
		cfg.Scheme = "amqps"
		cfg.Port = defaultTLSPort
	}

	server := settings.StringOr(queue.SettingServer, "")

	switch {
	case strings.HasPrefix(server, "amqp://"), strings.HasPrefix(server, "amqps://"):
		uri, err := amqp.ParseURI(server)
		if err != nil {
			return Config{}, fmt.Errorf("%w: server: %w", queue.ErrInvalidArgument, err)
		}

		cfg.Scheme, cfg.Host, cfg.Port, cfg.Vhost = uri.Scheme, uri.Host, uri.Port, uri.Vhost
		cfg.Username, cfg.Password = uri.Username, uri.Password
	case server != "":
		host, port, err := net.SplitHostPort(server)
		if err != nil {
			cfg.Host = server

			break
		}

		p, err := strconv.Atoi(port)
		if err != nil {
			return Config{}, fmt.Errorf("%w: server port %q", queue.ErrInvalidArgument, port)
		}

		cfg.Host, cfg.Port = host, p
	}

	cfg.Username = settings.StringOr(queue.SettingUsername, cfg.Username)
	cfg.Password = settings.StringOr(queue.SettingPassword, cfg.Password)
	cfg.Vhost = settings.StringOr(queue.SettingVhost, cfg.Vhost)

	return cfg, nil
}

func getURL(cfg Config) string {
	uri := amqp.URI{
		Scheme:   cfg.Scheme,
		Username: cfg.Username,
		Password: cfg.Password,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Vhost:    cfg.Vhost,
	}

	return uri.String()
}

func (c Config) amqpConfig() amqp.Config {
	return amqp.Config{
		Heartbeat: c.Heartbeat,
		Vhost:     c.Vhost,
		Dial:      amqp.DefaultDial(c.ConnectTimeout),
		Properties: amqp.Table{
			"connection_name": "svc-messaging",
		},
	}
}
