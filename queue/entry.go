package queue

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/matoous/gosmtpd/mail"
)

// Status of a queue entry
type Status string

const (
	Pending   Status = "pending"
	InFlight  Status = "in-flight"
	Delivered Status = "delivered"
	Failed    Status = "failed"
)

var transitions = map[Status][]Status{
	Pending:  {InFlight},
	InFlight: {Delivered, Pending, Failed},
}

// Terminal reports whether the entry will not be attempted again
func (s Status) Terminal() bool {
	return s == Delivered || s == Failed
}

func (s Status) canBecome(to Status) bool {
	for _, x := range transitions[s] {
		if x == to {
			return true
		}
	}
	return false
}

// Destination is one remote domain and the recipients routed to it
type Destination struct {
	Domain     string
	Recipients []mail.Address
}

// Entry is a single relay delivery job
type Entry struct {
	ID          uuid.UUID      `json:"id"`
	MessageID   string         `json:"message_id"`
	From        mail.Address   `json:"from"`
	Domain      string         `json:"domain"`
	Recipients  []mail.Address `json:"recipients"`
	Status      Status         `json:"status"`
	Attempts    int            `json:"attempts"`
	NextAttempt time.Time      `json:"next_attempt"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	LastError   string         `json:"last_error,omitempty"`
}

func (e *Entry) transition(to Status, at time.Time) error {
	if !e.Status.canBecome(to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", e.Status, to)
	}
	e.Status = to
	e.UpdatedAt = at
	return nil
}

// Stats counts entries per status
type Stats struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

func (s *Stats) add(st Status) {
	switch st {
	case Pending:
		s.Pending++
	case InFlight:
		s.InFlight++
	case Delivered:
		s.Delivered++
	case Failed:
		s.Failed++
	}
}

// Active is the number of entries still to be delivered
func (s Stats) Active() int {
	return s.Pending + s.InFlight
}
