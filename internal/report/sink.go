// Package report carries user-facing messages from the bridge to whatever
// displays them.
package report

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Severity of a user-facing message.
type Severity string

const (
	Info  Severity = "INFO"
	Error Severity = "ERROR"
)

// DefaultDuration is how long a message stays visible when callers do not care.
const DefaultDuration = 5 * time.Second

// Sink accepts (message, severity, display duration) triples.
type Sink interface {
	Report(message string, severity Severity, duration time.Duration)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(message string, severity Severity, duration time.Duration)

func (f SinkFunc) Report(message string, severity Severity, duration time.Duration) {
	f(message, severity, duration)
}

// LogSink writes reports to the structured log. It is the sink used when no
// UI is attached.
type LogSink struct{}

func (LogSink) Report(message string, severity Severity, duration time.Duration) {
	ev := log.Info()
	if severity == Error {
		ev = log.Error()
	}
	ev.Str("component", "report").Dur("display", duration).Msg(message)
}

// Message is one recorded report.
type Message struct {
	Text     string
	Severity Severity
	Duration time.Duration
}

// Recorder keeps every report in memory. Tests and the CLI use it to inspect
// what the user would have seen.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *Recorder) Report(message string, severity Severity, duration time.Duration) {
	r.mu.Lock()
	r.msgs = append(r.msgs, Message{Text: message, Severity: severity, Duration: duration})
	r.mu.Unlock()
}

// Messages returns a copy of the recorded reports.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// Limited drops identical messages that repeat faster than the limiter allows,
// so a flapping condition does not flood the user. Distinct messages each get
// their own limiter; a limiter idle long enough to be full again is evicted.
type Limited struct {
	next  Sink
	every time.Duration
	burst int
	now   func() time.Time

	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	lastSweep time.Time
}

type limiterEntry struct {
	lim  *rate.Limiter
	last time.Time
}

// NewLimited wraps next, allowing burst identical messages per interval.
func NewLimited(next Sink, every time.Duration, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, every: every, burst: burst, now: time.Now, limiters: make(map[string]*limiterEntry)}
}

func (l *Limited) Report(message string, severity Severity, duration time.Duration) {
	l.mu.Lock()
	now := l.now()
	l.sweepLocked(now)
	e, ok := l.limiters[message]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Every(l.every), l.burst)}
		l.limiters[message] = e
	}
	e.last = now
	allowed := e.lim.AllowN(now, 1)
	l.mu.Unlock()
	if !allowed {
		log.Debug().Str("component", "report").Str("message", message).Msg("suppressed repeated report")
		return
	}
	l.next.Report(message, severity, duration)
}

// idle is how long a limiter takes to refill completely.
func (l *Limited) idle() time.Duration { return l.every * time.Duration(l.burst) }

// sweepLocked runs at most once per interval.
func (l *Limited) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.every {
		return
	}
	l.lastSweep = now
	for msg, e := range l.limiters {
		if now.Sub(e.last) >= l.idle() {
			delete(l.limiters, msg)
		}
	}
}

// tracked returns the number of messages currently rate limited.
func (l *Limited) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
