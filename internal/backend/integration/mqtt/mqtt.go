// Package mqtt implements a MQTT integration backend.
package mqtt

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"os"
	"sync"
	"text/template"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-manager/internal/backend/integration"
	"github.com/brocaar/chirpstack-device-manager/internal/config"
	"github.com/brocaar/chirpstack-device-manager/internal/logging"
)

// Backend implements a MQTT integration backend.
type Backend struct {
	wg sync.WaitGroup

	conn          paho.Client
	qos           uint8
	ackTopic      string
	eventTemplate *template.Template
	ackHandler    integration.AckHandler
}

// NewBackend creates a new Backend and connects to the MQTT broker. Command
// acknowledgements received on the ack topic are passed to the given handler.
func NewBackend(c config.Config, h integration.AckHandler) (*Backend, error) {
	conf := c.Integration.MQTT

	b, err := newBackend(conf.QOS, conf.EventTopicTemplate, conf.AckTopic, h)
	if err != nil {
		return nil, err
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(conf.Server)
	opts.SetUsername(conf.Username)
	opts.SetPassword(conf.Password)
	opts.SetCleanSession(conf.CleanSession)
	opts.SetClientID(conf.ClientID)
	opts.SetOnConnectHandler(b.onConnected)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	if conf.MaxReconnectInterval != 0 {
		opts.SetMaxReconnectInterval(conf.MaxReconnectInterval)
	}

	tlsconfig, err := newTLSConfig(conf.CACert, conf.TLSCert, conf.TLSKey)
	if err != nil {
		return nil, errors.Wrap(err, "integration/mqtt: load tls config error")
	}
	if tlsconfig != nil {
		opts.SetTLSConfig(tlsconfig)
	}

	log.WithField("server", conf.Server).Info("integration/mqtt: connecting to mqtt broker")
	b.conn = paho.NewClient(opts)
	for {
		if token := b.conn.Connect(); token.Wait() && token.Error() != nil {
			log.Errorf("integration/mqtt: connecting to mqtt broker failed, will retry in 2s: %s", token.Error())
			time.Sleep(2 * time.Second)
		} else {
			break
		}
	}

	return b, nil
}

func newBackend(qos uint8, eventTopicTemplate, ackTopic string, h integration.AckHandler) (*Backend, error) {
	var err error
	b := Backend{
		qos:        qos,
		ackTopic:   ackTopic,
		ackHandler: h,
	}

	b.eventTemplate, err = template.New("event").Parse(eventTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "integration/mqtt: parse event topic template error")
	}

	return &b, nil
}

// Close unsubscribes from the ack topic, waits for the handlers to complete
// and disconnects from the broker.
func (b *Backend) Close() error {
	log.Info("integration/mqtt: closing backend")

	if b.ackHandler != nil && b.ackTopic != "" {
		log.WithField("topic", b.ackTopic).Info("integration/mqtt: unsubscribing from ack topic")
		if token := b.conn.Unsubscribe(b.ackTopic); token.Wait() && token.Error() != nil {
			return errors.Wrapf(token.Error(), "integration/mqtt: unsubscribe from %s error", b.ackTopic)
		}
	}

	log.Info("integration/mqtt: handling last messages")
	b.wg.Wait()
	b.conn.Disconnect(250)
	return nil
}

// PublishGatewaySessionChanged publishes the gateway-session changed event.
func (b *Backend) PublishGatewaySessionChanged(ctx context.Context, event integration.GatewaySessionChangedEvent) error {
	topic, err := b.eventTopic(event)
	if err != nil {
		return err
	}

	bb, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal json error")
	}

	log.WithFields(log.Fields{
		"topic":  topic,
		"qos":    b.qos,
		"ctx_id": ctx.Value(logging.ContextIDKey),
	}).Info("integration/mqtt: publishing gateway-session changed event")

	mqttEventCounter("gateway_session_changed").Inc()
	if token := b.conn.Publish(topic, b.qos, false, bb); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "integration/mqtt: publish event error")
	}

	return nil
}

func (b *Backend) eventTopic(event integration.GatewaySessionChangedEvent) (string, error) {
	topic := bytes.NewBuffer(nil)
	if err := b.eventTemplate.Execute(topic, struct {
		ApplicationID string
		DevEUI        string
		EventType     string
	}{event.ApplicationID, event.DevEUI.String(), "gateway_session_changed"}); err != nil {
		return "", errors.Wrap(err, "execute event topic template error")
	}
	return topic.String(), nil
}

func (b *Backend) ackPacketHandler(c paho.Client, msg paho.Message) {
	b.wg.Add(1)
	defer b.wg.Done()

	mqttAckCounter().Inc()

	ctx, err := logging.NewContext(context.Background())
	if err != nil {
		log.WithError(err).Error("integration/mqtt: new context error")
		return
	}

	if err := integration.HandleCommandAck(ctx, b.ackHandler, msg.Payload()); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"topic":       msg.Topic(),
			"data_base64": base64.StdEncoding.EncodeToString(msg.Payload()),
			"ctx_id":      ctx.Value(logging.ContextIDKey),
		}).Error("integration/mqtt: handle command ack error")
		return
	}
}

func (b *Backend) onConnected(c paho.Client) {
	log.Info("integration/mqtt: connected to mqtt broker")

	if b.ackHandler == nil || b.ackTopic == "" {
		return
	}

	for {
		log.WithFields(log.Fields{
			"topic": b.ackTopic,
			"qos":   b.qos,
		}).Info("integration/mqtt: subscribing to ack topic")
		if token := c.Subscribe(b.ackTopic, b.qos, b.ackPacketHandler); token.Wait() && token.Error() != nil {
			log.WithFields(log.Fields{
				"topic": b.ackTopic,
				"qos":   b.qos,
			}).Errorf("integration/mqtt: subscribe error: %s", token.Error())
			time.Sleep(time.Second)
			continue
		}
		break
	}
}

func (b *Backend) onConnectionLost(c paho.Client, reason error) {
	log.Errorf("integration/mqtt: mqtt connection error: %s", reason)
}

func newTLSConfig(cafile, certFile, certKeyFile string) (*tls.Config, error) {
	if cafile == "" && certFile == "" && certKeyFile == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{}

	if cafile != "" {
		cacert, err := os.ReadFile(cafile)
		if err != nil {
			return nil, errors.Wrap(err, "read ca certificate error")
		}
		certpool := x509.NewCertPool()
		if !certpool.AppendCertsFromPEM(cacert) {
			return nil, errors.Errorf("append ca certificate error: %s", cafile)
		}

		tlsConfig.RootCAs = certpool
	}

	if certFile != "" && certKeyFile != "" {
		kp, err := tls.LoadX509KeyPair(certFile, certKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load tls key-pair error")
		}
		tlsConfig.Certificates = []tls.Certificate{kp}
	}

	return tlsConfig, nil
}
