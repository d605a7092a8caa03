package mail

import (
	"bytes"
	"io"
	"net/textproto"
	"time"
)

// Message is an accepted message. It is immutable once created.
type Message struct {
	ID         string
	From       Address
	To         []Address
	ReceivedAt time.Time

	raw []byte
}

// NewMessage creates a message from raw header and body bytes, raw is copied
func NewMessage(id string, from Address, to []Address, raw []byte, receivedAt time.Time) *Message {
	r := make([]byte, len(raw))
	copy(r, raw)
	t := make([]Address, len(to))
	copy(t, to)
	return &Message{ID: id, From: from, To: t, ReceivedAt: receivedAt, raw: r}
}

// Raw returns the full message, headers and body. The returned slice must not be modified.
func (m *Message) Raw() []byte {
	return m.raw
}

// Size of the message in bytes
func (m *Message) Size() int64 {
	return int64(len(m.raw))
}

// Reader returns reader over the full message
func (m *Message) Reader() io.Reader {
	return bytes.NewReader(m.raw)
}

// Header returns the header block, without the blank separator line
func (m *Message) Header() []byte {
	h, _ := splitMessage(m.raw)
	return h
}

// Body returns the body following the blank separator line
func (m *Message) Body() []byte {
	_, b := splitMessage(m.raw)
	return b
}

// HasHeader reports whether header key is present in the header block
func (m *Message) HasHeader(key string) bool {
	return HasHeader(m.Header(), key)
}

// WithRecipients returns a copy sharing raw data, addressed to rcpts only
func (m *Message) WithRecipients(rcpts []Address) *Message {
	to := make([]Address, len(rcpts))
	copy(to, rcpts)
	return &Message{ID: m.ID, From: m.From, To: to, ReceivedAt: m.ReceivedAt, raw: m.raw}
}

// HasHeader checks if header key is present in a raw header block
func HasHeader(header []byte, key string) bool {
	bKey := []byte(textproto.CanonicalMIMEHeaderKey(key) + ":")
	for _, line := range bytes.Split(header, []byte{'\n'}) {
		if len(line) < len(bKey) {
			continue
		}
		if bytes.EqualFold(line[:len(bKey)], bKey) {
			return true
		}
	}
	return false
}

// splitMessage splits raw message on the first empty line
func splitMessage(raw []byte) (header, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i], raw[i+2:]
	}
	return raw, nil
}
