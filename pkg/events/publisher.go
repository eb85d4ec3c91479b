// Package events publishes device-session lifecycle events. The push
// delivery system (external to this repo) consumes them to tell a displaced
// device it has been signed out.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"securereader/pkg/domain"
)

const (
	exchangeName          = "reader.devices"
	routingKeySuperseded  = "device.superseded"
	publishConfirmTimeout = 5 * time.Second
)

// DeviceSuperseded describes a takeover: the user confirmed a login on a new
// device and the old one must stop obtaining grants.
type DeviceSuperseded struct {
	UserID    string            `json:"userId"`
	OldDevice domain.DeviceInfo `json:"oldDevice"`
	NewDevice domain.DeviceInfo `json:"newDevice"`
	At        time.Time         `json:"at"`
}

// Publisher emits device-session events.
type Publisher interface {
	PublishDeviceSuperseded(ctx context.Context, event DeviceSuperseded) error
	Close() error
}

// AMQPPublisher publishes events to a RabbitMQ topic exchange.
type AMQPPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPPublisher connects and declares the exchange.
func NewAMQPPublisher(url string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, channel: channel}, nil
}

// PublishDeviceSuperseded emits one supersession event.
func (p *AMQPPublisher) PublishDeviceSuperseded(ctx context.Context, event DeviceSuperseded) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishConfirmTimeout)
	defer cancel()
	err = p.channel.PublishWithContext(ctx, exchangeName, routingKeySuperseded, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.At,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		_ = p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// NopPublisher discards events; used in tests and when no broker is
// configured.
type NopPublisher struct{}

func (NopPublisher) PublishDeviceSuperseded(context.Context, DeviceSuperseded) error { return nil }
func (NopPublisher) Close() error                                                    { return nil }
