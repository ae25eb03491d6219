// Package amqp publishes domain events to a RabbitMQ topic exchange. The
// downstream notification pipeline consumes them; publishing is best-effort
// from the core's point of view.
package amqp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	amqp091 "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/skalacodebr/carplus/pkg/domain/service"
)

type Dispatcher struct {
	url      string
	exchange string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// NewDispatcher connects to the broker, retrying with exponential backoff so
// the service can start while the broker is still coming up.
func NewDispatcher(url, exchange string) (*Dispatcher, error) {
	d := &Dispatcher{url: url, exchange: exchange}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(d.connect, policy); err != nil {
		return nil, errors.Wrap(err, "connect to amqp broker")
	}
	return d, nil
}

func (d *Dispatcher) connect() error {
	conn, err := amqp091.Dial(d.url)
	if err != nil {
		return err
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := channel.ExchangeDeclare(d.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return err
	}

	d.mu.Lock()
	d.conn = conn
	d.channel = channel
	d.mu.Unlock()
	return nil
}

type envelope struct {
	Type       string        `json:"type"`
	OccurredAt time.Time     `json:"occurredAt"`
	Payload    service.Event `json:"payload"`
}

// Dispatch publishes the event with its type as the routing key. A dead
// connection is re-established once; a second failure is returned to the
// caller, which by convention ignores it (notification is a sink).
func (d *Dispatcher) Dispatch(event service.Event) error {
	body, err := json.Marshal(envelope{
		Type:       event.Type(),
		OccurredAt: time.Now().UTC(),
		Payload:    event,
	})
	if err != nil {
		return errors.Wrap(err, "encode event")
	}

	if err := d.publish(event.Type(), body); err == nil {
		return nil
	}

	log.WithField("event", event.Type()).Warn("amqp publish failed, reconnecting")
	if err := d.connect(); err != nil {
		return errors.Wrap(err, "reconnect to amqp broker")
	}
	return errors.Wrap(d.publish(event.Type(), body), "publish event")
}

func (d *Dispatcher) publish(routingKey string, body []byte) error {
	d.mu.Lock()
	channel := d.channel
	d.mu.Unlock()
	if channel == nil {
		return errors.New("amqp channel not open")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return channel.PublishWithContext(ctx, d.exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channel != nil {
		_ = d.channel.Close()
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}
