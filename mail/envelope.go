package mail

import (
	"bytes"
	"errors"
	"time"
)

// ErrNoRecipients is returned by BeginData when no recipient was accepted
var ErrNoRecipients = errors.New("no valid recipients")

// Envelope represents the in-progress transaction of a session
type Envelope struct {
	// Envelope sender
	MailFrom Address
	// Envelope recipients, in the order they were accepted
	MailTo []Address
	// Declared size from the SIZE parameter, 0 if not given
	DeclaredSize int64
	// Body type from the BODY parameter
	BodyType string
	// Data stores the header and message body as received
	Data *bytes.Buffer
	// New headers added by server
	Headers []byte
}

// IsSet returns if the envelope has a sender
func (e *Envelope) IsSet() bool {
	return e.MailFrom != ""
}

// Reset resets envelope to initial state
func (e *Envelope) Reset() {
	e.MailTo = nil
	e.MailFrom = ""
	e.DeclaredSize = 0
	e.BodyType = ""
	e.Headers = nil
	if e.Data != nil {
		e.Data.Reset()
	}
}

// AddRecipient adds recipient to envelope recipients
func (e *Envelope) AddRecipient(rcpt Address) {
	e.MailTo = append(e.MailTo, rcpt)
}

// BeginData prepares the data buffer, fails if there are no recipients
func (e *Envelope) BeginData() error {
	if len(e.MailTo) == 0 {
		return ErrNoRecipients
	}
	e.Data = bytes.NewBuffer(make([]byte, 0, 4096))
	return nil
}

// Write writes bytes to envelope buffer
func (e *Envelope) Write(line []byte) (int, error) {
	return e.Data.Write(line)
}

// Len is the number of data bytes received so far
func (e *Envelope) Len() int64 {
	if e.Data == nil {
		return 0
	}
	return int64(e.Data.Len())
}

// Message freezes the envelope into an accepted Message. Server headers are
// prepended to the received data. The envelope may be reset afterwards.
func (e *Envelope) Message(id string, receivedAt time.Time) *Message {
	raw := make([]byte, 0, len(e.Headers)+e.Data.Len())
	raw = append(raw, e.Headers...)
	raw = append(raw, e.Data.Bytes()...)
	to := make([]Address, len(e.MailTo))
	copy(to, e.MailTo)
	return &Message{
		ID:         id,
		From:       e.MailFrom,
		To:         to,
		ReceivedAt: receivedAt,
		raw:        raw,
	}
}
