// Package amqp implements an AMQP / RabbitMQ integration backend.
package amqp

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"text/template"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/brocaar/chirpstack-device-manager/internal/backend/integration"
	"github.com/brocaar/chirpstack-device-manager/internal/config"
	"github.com/brocaar/chirpstack-device-manager/internal/logging"
)

const exchange = "amq.topic"

// Backend implements an AMQP integration backend.
type Backend struct {
	wg       sync.WaitGroup
	channels *channelPool

	eventRoutingKey *template.Template
	ackQueueName    string
	ackRoutingKey   string
	ackHandler      integration.AckHandler
}

// NewBackend creates a new Backend. When a handler is given, the ack queue
// is declared and consumed.
func NewBackend(c config.Config, h integration.AckHandler) (*Backend, error) {
	conf := c.Integration.AMQP

	b, err := newBackend(conf.EventRoutingKeyTemplate, conf.AckQueueName, conf.AckRoutingKey, h)
	if err != nil {
		return nil, err
	}

	log.Info("integration/amqp: connecting to AMQP server")
	b.channels, err = dialChannelPool(conf.URL, 10)
	if err != nil {
		return nil, errors.Wrap(err, "new amqp channel pool error")
	}

	if b.ackHandler != nil && b.ackQueueName != "" {
		if err := b.setupQueue(); err != nil {
			b.channels.close()
			return nil, errors.Wrap(err, "integration/amqp: setup queue error")
		}

		b.wg.Add(1)
		go b.ackLoop()
	}

	return b, nil
}

func newBackend(eventRoutingKeyTemplate, ackQueueName, ackRoutingKey string, h integration.AckHandler) (*Backend, error) {
	var err error
	b := Backend{
		ackQueueName:  ackQueueName,
		ackRoutingKey: ackRoutingKey,
		ackHandler:    h,
	}

	b.eventRoutingKey, err = template.New("event").Parse(eventRoutingKeyTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "integration/amqp: parse event routing-key template error")
	}

	return &b, nil
}

// Close closes the channel pool and waits for the ack loop to return.
func (b *Backend) Close() error {
	log.Info("integration/amqp: closing backend")
	err := b.channels.close()
	b.wg.Wait()
	return err
}

// PublishGatewaySessionChanged publishes the gateway-session changed event.
func (b *Backend) PublishGatewaySessionChanged(ctx context.Context, event integration.GatewaySessionChangedEvent) error {
	routingKey, err := b.eventRoutingKeyString(event)
	if err != nil {
		return err
	}

	bb, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal json error")
	}

	ch, err := b.channels.acquire()
	if err != nil {
		return errors.Wrap(err, "get amqp channel from pool error")
	}
	defer b.channels.release(ch)

	log.WithFields(log.Fields{
		"routing_key": routingKey,
		"ctx_id":      ctx.Value(logging.ContextIDKey),
	}).Info("integration/amqp: publishing gateway-session changed event")

	amqpEventCounter("gateway_session_changed").Inc()

	err = ch.Publish(
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        bb,
		},
	)
	if err != nil {
		ch.broken = true
		return errors.Wrap(err, "publish message error")
	}

	return nil
}

func (b *Backend) eventRoutingKeyString(event integration.GatewaySessionChangedEvent) (string, error) {
	key := bytes.NewBuffer(nil)
	if err := b.eventRoutingKey.Execute(key, struct {
		ApplicationID string
		DevEUI        string
		EventType     string
	}{event.ApplicationID, event.DevEUI.String(), "gateway_session_changed"}); err != nil {
		return "", errors.Wrap(err, "execute event routing-key template error")
	}
	return key.String(), nil
}

func (b *Backend) setupQueue() error {
	ch, err := b.channels.acquire()
	if err != nil {
		return errors.Wrap(err, "open channel error")
	}
	defer b.channels.release(ch)

	_, err = ch.QueueDeclare(
		b.ackQueueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return errors.Wrap(err, "declare queue error")
	}

	err = ch.QueueBind(
		b.ackQueueName,
		b.ackRoutingKey,
		exchange,
		false,
		nil,
	)
	if err != nil {
		return errors.Wrap(err, "bind queue error")
	}

	return nil
}

func (b *Backend) ackLoop() {
	defer b.wg.Done()

	for {
		err := func() error {
			ch, err := b.channels.acquire()
			if err != nil {
				return errors.Wrap(err, "get amqp channel from pool error")
			}
			defer b.channels.release(ch)

			log.Info("integration/amqp: start consuming command acks")

			msgs, err := ch.Consume(
				b.ackQueueName,
				"",
				true,
				false,
				false,
				false,
				nil,
			)
			if err != nil {
				ch.broken = true
				return errors.Wrap(err, "register consumer error")
			}

			for msg := range msgs {
				b.handleAck(msg)
			}

			// the delivery channel closes together with the amqp channel
			ch.broken = true
			return nil
		}()
		if err != nil {
			if errors.Cause(err) == errClosed {
				break
			}

			log.WithError(err).Error("integration/amqp: ack loop error")
			time.Sleep(time.Second)
		}
	}
}

func (b *Backend) handleAck(msg amqp.Delivery) {
	amqpAckCounter().Inc()

	ctx, err := logging.NewContext(context.Background())
	if err != nil {
		log.WithError(err).Error("integration/amqp: new context error")
		return
	}

	if err := integration.HandleCommandAck(ctx, b.ackHandler, msg.Body); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"routing_key": msg.RoutingKey,
			"ctx_id":      ctx.Value(logging.ContextIDKey),
		}).Error("integration/amqp: handle command ack error")
	}
}
