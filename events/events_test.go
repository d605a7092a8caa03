package events

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/matoous/gosmtpd/store"
)

func TestMulti(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	Multi{a, b, Discard}.Emit(Event{Kind: Accepted, MessageID: "m1"})
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Kind(Accepted), 1)
	assert.Empty(t, b.Kind(Rejected))
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := NewLogSink(zap.New(core))

	s.Emit(Event{Kind: Rejected, Session: "s1", From: "a@spam.com", Reason: "blocked", Phase: PhaseMail, Code: 550})
	s.Emit(Event{Kind: Stored, Session: "s1", MessageID: "m1", Receipt: &store.Receipt{Path: "2020/01/01/m1.eml"}})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "blocked", entries[0].ContextMap()["reason"])
	assert.Equal(t, int64(550), entries[0].ContextMap()["code"])
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, "2020/01/01/m1.eml", entries[1].ContextMap()["path"])
}

func TestMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.Emit(Event{Kind: Connected})
	m.Emit(Event{Kind: Connected})
	m.Emit(Event{Kind: Disconnected})
	m.Emit(Event{Kind: Accepted, Size: 100})
	m.Emit(Event{Kind: Stored})
	m.Emit(Event{Kind: Rejected, Phase: PhaseConnect, Code: 421})
	m.Emit(Event{Kind: Rejected, Phase: PhaseMail, Code: 550})
	m.Emit(Event{Kind: AuthFailed})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.connections.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections.WithLabelValues("refused")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.live))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.bytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues("stored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues(PhaseMail, "550")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auth.WithLabelValues("failed")))
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []amqp.Publishing
	keys []string
	err  error
}

func (p *fakePublisher) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	p.keys = append(p.keys, key)
	return p.err
}

func TestAMQP(t *testing.T) {
	pub := &fakePublisher{}
	a := NewAMQP(pub, "smtp-events", zap.NewNop())
	a.Emit(Event{Kind: Queued, MessageID: "m1", Domain: "remote.org"})
	a.Emit(Event{Kind: Stored, MessageID: "m1"})
	require.NoError(t, a.Close())
	a.Emit(Event{Kind: Stored, MessageID: "after close"})

	require.Len(t, pub.msgs, 2, "close flushes the buffer")
	assert.Equal(t, []string{"smtp-events", "smtp-events"}, pub.keys)
	assert.Equal(t, "application/json", pub.msgs[0].ContentType)
	assert.Equal(t, "queued", pub.msgs[0].Type)

	var e Event
	require.NoError(t, json.Unmarshal(pub.msgs[0].Body, &e))
	assert.Equal(t, "remote.org", e.Domain)
	assert.Equal(t, int64(0), a.Dropped())
}

func TestAMQP_PublishError(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	pub := &fakePublisher{err: errors.New("channel closed")}
	a := NewAMQP(pub, "q", zap.New(core))
	a.Emit(Event{Kind: Accepted})
	require.NoError(t, a.Close())
	assert.Equal(t, 1, logs.FilterMessage("publish event").Len())
}
