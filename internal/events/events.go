// Package events publishes connectivity transitions and daemon lifecycle
// changes to a message broker, so tools outside the host can follow them.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/carlosprados/assetlink/internal/status"
	"github.com/rs/zerolog/log"
)

// Event kinds.
const (
	KindConnectivity = "connectivity"
	KindDaemonStart  = "daemon_started"
	KindDaemonExit   = "daemon_exited"
)

// Event is the JSON payload published for every change.
type Event struct {
	Kind     string    `json:"kind"`
	SystemID string    `json:"system_id,omitempty"`
	At       time.Time `json:"at"`

	Online *bool  `json:"online,omitempty"`
	Host   string `json:"host,omitempty"`
	Code   int    `json:"code,omitempty"`

	Port    int    `json:"port,omitempty"`
	PID     int    `json:"pid,omitempty"`
	Message string `json:"message,omitempty"`
}

// Transport moves encoded events to the broker.
type Transport interface {
	Publish(subject string, data []byte) error
	Close() error
}

// Publisher turns transitions and lifecycle changes into events.
type Publisher struct {
	t        Transport
	subject  string
	systemID string

	mu     sync.Mutex
	closed bool
}

func NewPublisher(t Transport, subject, systemID string) *Publisher {
	return &Publisher{t: t, subject: subject, systemID: systemID}
}

// OnTransition implements status.Observer.
func (p *Publisher) OnTransition(tr status.Transition) {
	online := tr.Online
	p.publish(Event{Kind: KindConnectivity, At: tr.At, Online: &online, Host: tr.Host, Code: tr.Code})
}

// DaemonStarted publishes a launch.
func (p *Publisher) DaemonStarted(port, pid int) {
	p.publish(Event{Kind: KindDaemonStart, At: time.Now().UTC(), Port: port, PID: pid})
}

// DaemonExited publishes an observed exit with its diagnosis.
func (p *Publisher) DaemonExited(port, pid, code int, message string) {
	p.publish(Event{Kind: KindDaemonExit, At: time.Now().UTC(), Port: port, PID: pid, Code: code, Message: message})
}

// Encode stamps ev with the installation identity and marshals it.
func (p *Publisher) Encode(ev Event) ([]byte, error) {
	ev.SystemID = p.systemID
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return json.Marshal(ev)
}

func (p *Publisher) publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	b, err := p.Encode(ev)
	if err != nil {
		log.Error().Str("component", "events").Err(err).Msg("encode event")
		return
	}
	// Broker trouble must never affect supervision.
	if err := p.t.Publish(p.subject, b); err != nil {
		log.Warn().Str("component", "events").Str("subject", p.subject).Str("kind", ev.Kind).Err(err).Msg("publish failed")
		return
	}
	log.Debug().Str("component", "events").Str("subject", p.subject).Str("kind", ev.Kind).Msg("event published")
}

// Close flushes and closes the transport.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.t.Close(); err != nil {
		return fmt.Errorf("close events transport: %w", err)
	}
	return nil
}
