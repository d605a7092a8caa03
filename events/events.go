// Package events delivers structured facts about sessions and messages to
// logging, metrics and message bus sinks.
package events

import (
	"sync"
	"time"

	"github.com/matoous/gosmtpd/store"
)

type Kind string

const (
	Connected     Kind = "connected"
	Disconnected  Kind = "disconnected"
	AuthSucceeded Kind = "auth-succeeded"
	AuthFailed    Kind = "auth-failed"
	Accepted      Kind = "accepted"
	Rejected      Kind = "rejected"
	Stored        Kind = "stored"
	Queued        Kind = "queued"
)

// Phase at which a rejection happened
const (
	PhaseConnect = "connect"
	PhaseMail    = "mail"
	PhaseRcpt    = "rcpt"
	PhaseData    = "data"
	PhaseContent = "content"
)

// Event is a single fact emitted by the server
type Event struct {
	Kind      Kind           `json:"kind"`
	Time      time.Time      `json:"time"`
	Session   string         `json:"session,omitempty"`
	Remote    string         `json:"remote,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	From      string         `json:"from,omitempty"`
	To        []string       `json:"to,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Code      int            `json:"code,omitempty"`
	Receipt   *store.Receipt `json:"receipt,omitempty"`
	Domain    string         `json:"domain,omitempty"`
	Size      int64          `json:"size,omitempty"`
}

// Sink receives events. Emit must not block the session for long.
type Sink interface {
	Emit(Event)
}

// Multi fans events out to all sinks
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Discard drops all events
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Recorder keeps events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kind returns recorded events of given kind
func (r *Recorder) Kind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
