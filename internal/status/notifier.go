// Package status tracks whether the remote asset service is reachable through
// the daemon and tells subscribers when that changes.
package status

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/carlosprados/assetlink/internal/report"
	"github.com/rs/zerolog/log"
)

// NoticeDuration is how long disconnect notices stay visible.
const NoticeDuration = 10 * time.Second

// Transition is emitted once per state change.
type Transition struct {
	Online bool
	Code   int // status that caused the change
	Host   string
	At     time.Time
}

// Observer receives transitions. A UI indicator is one observer; the events
// publisher is another.
type Observer interface {
	OnTransition(Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

func (f ObserverFunc) OnTransition(t Transition) { f(t) }

// Notifier is the Online/Offline state machine. It starts Offline and is the
// only writer of the connectivity flag.
type Notifier struct {
	host string
	sink report.Sink

	mu        sync.Mutex
	online    bool
	observers []Observer
}

// New creates a notifier for the given remote server URL.
func New(serverURL string, sink report.Sink) *Notifier {
	host := serverURL
	if u, err := url.Parse(serverURL); err == nil && u.Host != "" {
		host = u.Host
	}
	if sink == nil {
		sink = report.LogSink{}
	}
	return &Notifier{host: host, sink: sink}
}

// Subscribe adds an observer.
func (n *Notifier) Subscribe(o Observer) {
	n.mu.Lock()
	n.observers = append(n.observers, o)
	n.mu.Unlock()
}

// Online reports the current connectivity flag.
func (n *Notifier) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

// Handle feeds one health result, expressed as the HTTP status the remote
// service returned (0 when nothing answered). Only state changes produce
// notices.
func (n *Notifier) Handle(code int) {
	online := code == http.StatusOK

	n.mu.Lock()
	if online == n.online {
		n.mu.Unlock()
		return
	}
	n.online = online
	observers := append([]Observer(nil), n.observers...)
	n.mu.Unlock()

	switch {
	case online:
		n.sink.Report(fmt.Sprintf("Connected to %s", n.host), report.Info, report.DefaultDuration)
	case code == http.StatusTooManyRequests:
		n.sink.Report(fmt.Sprintf("API limit exceeded for %s", n.host), report.Error, NoticeDuration)
	default:
		n.sink.Report(fmt.Sprintf("Disconnected from %s", n.host), report.Error, NoticeDuration)
	}
	log.Info().Str("component", "status").Str("host", n.host).Bool("online", online).Int("code", code).Msg("connectivity changed")

	t := Transition{Online: online, Code: code, Host: n.host, At: time.Now()}
	for _, o := range observers {
		o.OnTransition(t)
	}
}

// Indicator mirrors the logo state the UI shows.
type Indicator struct {
	mu    sync.Mutex
	state string
}

// Indicator states.
const (
	LogoNormal  = "logo"
	LogoOffline = "logo_offline"
)

func (i *Indicator) OnTransition(t Transition) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if t.Online {
		i.state = LogoNormal
	} else {
		i.state = LogoOffline
	}
}

// State returns the indicator state, empty before the first transition.
func (i *Indicator) State() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}
