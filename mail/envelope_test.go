package mail

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvelope_AddRecipient(t *testing.T) {
	env := Envelope{}
	env.AddRecipient(Address("hello@example.com"))
	env.AddRecipient(Address("hello@example.com"))
	assert.Equal(t, 2, len(env.MailTo), "duplicate recipients are kept")
	assert.Equal(t, Address("hello@example.com"), env.MailTo[0], "add recipient didn't work, recipient added, but is wrong")
}

func TestEnvelope_IsSet(t *testing.T) {
	env := Envelope{}
	assert.False(t, env.IsSet(), "envelope is empty but acts as set")
	env.MailFrom = Address("hello@example.com")
	assert.True(t, env.IsSet(), "envelope is set but acts as empty")
}

func TestEnvelope_BeginData(t *testing.T) {
	env := Envelope{}
	assert.Equal(t, ErrNoRecipients, env.BeginData(), "envelope recipient list is empty but allows begin data")
	env.AddRecipient(Address("hello@example.com"))
	assert.NoError(t, env.BeginData(), "envelope is ready to receive data but reports an error")
}

func TestEnvelope_Reset(t *testing.T) {
	env := Envelope{
		MailTo: []Address{
			"dzivjak@matous.me",
		},
		MailFrom: Address("dzivjak@matous.me"),
		Data:     bytes.NewBufferString("hello there"),
	}
	env.Reset()
	assert.Equal(t, "", env.Data.String())
	assert.Equal(t, Address(""), env.MailFrom)
	assert.Equal(t, 0, len(env.MailTo))
	assert.False(t, env.IsSet())
}

func TestEnvelope_Message(t *testing.T) {
	env := Envelope{MailFrom: "a@example.com"}
	env.AddRecipient("b@example.com")
	assert.NoError(t, env.BeginData())
	env.Headers = []byte("Received: from x\r\n")
	env.Write([]byte("Subject: hi\r\n\r\nbody\r\n"))

	at := time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC)
	msg := env.Message("id1", at)
	env.Reset()

	assert.Equal(t, "id1", msg.ID)
	assert.Equal(t, Address("a@example.com"), msg.From)
	assert.Equal(t, []Address{"b@example.com"}, msg.To, "message keeps recipients after envelope reset")
	assert.Equal(t, "Received: from x\r\nSubject: hi\r\n\r\nbody\r\n", string(msg.Raw()))
	assert.Equal(t, at, msg.ReceivedAt)
}
