// Package bus provides a thin publish/subscribe abstraction over an MQTT
// broker, the transport used for the remote-executor protocol.
package bus

import (
	"context"
	"fmt"
	"math"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/oocana/oocana-core/common/logger"
)

// Handler processes a single message delivered on a topic.
type Handler func(topic string, payload []byte)

// Bus is the narrow interface the scheduler and executor registry depend
// on; neither imports the MQTT client directly.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Unsubscribe(topic string) error
	Close() error
}

// MQTTBus is the production Bus backed by github.com/eclipse/paho.mqtt.golang.
type MQTTBus struct {
	client mqtt.Client
	log    *logger.Logger
}

// Options configures a new MQTTBus.
type Options struct {
	Broker   string // host:port, no scheme
	ClientID string
	Log      *logger.Logger
}

// Dial connects to the broker, retrying with exponential backoff per the
// policy in spec §7 (base 100ms, ×2, cap 5s, max 6 attempts).
func Dial(ctx context.Context, opts Options) (*MQTTBus, error) {
	url := fmt.Sprintf("tcp://%s", opts.Broker)

	clientOpts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(clientOpts)

	connect := func() error {
		token := client.Connect()
		if !token.WaitTimeout(10 * time.Second) {
			return fmt.Errorf("bus: connect timed out: %s", url)
		}
		return token.Error()
	}

	if err := retryWithBackoff(ctx, opts.Log, connect); err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", url, err)
	}

	opts.Log.Info("bus connected", "broker", opts.Broker, "client_id", opts.ClientID)

	return &MQTTBus{client: client, log: opts.Log}, nil
}

// Publish sends payload on topic at QoS 1.
func (b *MQTTBus) Publish(ctx context.Context, topic string, payload []byte) error {
	publish := func() error {
		token := b.client.Publish(topic, 1, false, payload)
		if !token.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("bus: publish timed out: %s", topic)
		}
		return token.Error()
	}
	if err := retryWithBackoff(ctx, b.log, publish); err != nil {
		return fmt.Errorf("bus: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic at QoS 1.
func (b *MQTTBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	callback := func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}

	subscribe := func() error {
		token := b.client.Subscribe(topic, 1, callback)
		if !token.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("bus: subscribe timed out: %s", topic)
		}
		return token.Error()
	}
	if err := retryWithBackoff(ctx, b.log, subscribe); err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes a topic subscription.
func (b *MQTTBus) Unsubscribe(topic string) error {
	token := b.client.Unsubscribe(topic)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("bus: unsubscribe timed out: %s", topic)
	}
	return token.Error()
}

// Close disconnects from the broker, waiting up to 250ms to flush in-flight acks.
func (b *MQTTBus) Close() error {
	b.client.Disconnect(250)
	return nil
}

const (
	backoffBase   = 100 * time.Millisecond
	backoffCap    = 5 * time.Second
	backoffMaxTry = 6
)

// retryWithBackoff retries fn up to backoffMaxTry times with exponential
// backoff (base 100ms, ×2 per attempt, capped at 5s), per the transient
// bus error policy. ctx cancellation aborts the retry loop immediately.
func retryWithBackoff(ctx context.Context, log *logger.Logger, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < backoffMaxTry; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt == backoffMaxTry-1 {
			break
		}

		delay := time.Duration(math.Min(
			float64(backoffBase)*math.Pow(2, float64(attempt)),
			float64(backoffCap),
		))

		if log != nil {
			log.Warn("bus operation failed, retrying", "attempt", attempt+1, "delay", delay, "error", lastErr)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("exceeded %d attempts: %w", backoffMaxTry, lastErr)
}
