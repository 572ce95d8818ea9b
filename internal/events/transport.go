package events

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
)

const connectTimeout = 2 * time.Second

// Dial connects to the broker at rawURL. nats:// URLs use NATS; mqtt://,
// tcp://, ssl:// and ws:// use MQTT.
func Dial(rawURL, clientID string) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("events url: %w", err)
	}
	switch u.Scheme {
	case "nats", "tls":
		t, err := dialNATS(rawURL, clientID)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "mqtt", "tcp", "ssl", "ws", "wss":
		if u.Scheme == "mqtt" {
			u.Scheme = "tcp"
		}
		t, err := dialMQTT(u.String(), clientID)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("events url: unsupported scheme %q", u.Scheme)
	}
}

type natsTransport struct{ nc *nats.Conn }

func dialNATS(rawURL, clientID string) (*natsTransport, error) {
	nc, err := nats.Connect(rawURL,
		nats.Name(clientID),
		nats.Timeout(connectTimeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &natsTransport{nc: nc}, nil
}

func (t *natsTransport) Publish(subject string, data []byte) error {
	return t.nc.Publish(subject, data)
}

func (t *natsTransport) Close() error {
	if err := t.nc.Drain(); err != nil {
		t.nc.Close()
		return err
	}
	return nil
}

type mqttTransport struct{ c mqtt.Client }

func dialMQTT(broker, clientID string) (*mqttTransport, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true)
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return nil, errors.New("mqtt connect: timeout")
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &mqttTransport{c: c}, nil
}

// Topic maps a dotted subject to an MQTT topic.
func Topic(subject string) string { return strings.ReplaceAll(subject, ".", "/") }

func (t *mqttTransport) Publish(subject string, data []byte) error {
	tok := t.c.Publish(Topic(subject), 1, false, data)
	if !tok.WaitTimeout(connectTimeout) {
		return errors.New("mqtt publish: timeout")
	}
	return tok.Error()
}

func (t *mqttTransport) Close() error {
	t.c.Disconnect(250)
	return nil
}
