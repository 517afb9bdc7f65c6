package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	// ErrNotConnected is returned when the broker connection is down.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrPublishFailed wraps broker-side publish failures.
	ErrPublishFailed = errors.New("mqtt: publish failed")
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 60 * time.Second
	maxQoS                = 2
)

// Publisher is the subset of pahomqtt.Client used for notifications.
type Publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// MQTTTransport publishes each Message as JSON to <prefix>/<topic>.
type MQTTTransport struct {
	client Publisher
	prefix string
	qos    byte
}

// NewMQTTTransport wraps an existing publisher.
func NewMQTTTransport(client Publisher, prefix string, qos byte) *MQTTTransport {
	if qos > maxQoS {
		qos = 1
	}
	return &MQTTTransport{client: client, prefix: prefix, qos: qos}
}

// ConnectMQTT dials the broker with auto-reconnect and returns a transport
// together with the underlying client for shutdown.
func ConnectMQTT(cfg MQTTConfig) (*MQTTTransport, pahomqtt.Client, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, nil, fmt.Errorf("mqtt: connection to %s timed out after %v", cfg.Broker, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, err)
	}
	return NewMQTTTransport(client, cfg.TopicPrefix, cfg.QoS), client, nil
}

func (m *MQTTTransport) Name() string { return "mqtt" }

// Topic returns the broker topic for msg.
func (m *MQTTTransport) Topic(msg Message) string {
	suffix := msg.Topic
	if suffix == "" {
		suffix = "events"
	}
	if m.prefix == "" {
		return suffix
	}
	return m.prefix + "/" + suffix
}

// Send publishes msg and waits for the broker acknowledgement or ctx.
func (m *MQTTTransport) Send(ctx context.Context, msg Message) error {
	if !m.client.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mqtt: encode message: %w", err)
	}

	token := m.client.Publish(m.Topic(msg), m.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPublishFailed, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}
