package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/isayme/go-amqp-reconnect/rabbitmq"
	"github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Publisher is the part of an AMQP channel the sink needs
type Publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQP publishes events as JSON to a queue. Events are handed to a background
// goroutine; when its buffer is full events are dropped.
type AMQP struct {
	pub     Publisher
	queue   string
	log     *zap.Logger
	ch      chan Event
	done    chan struct{}
	once    sync.Once
	closers []func() error

	mu      sync.RWMutex
	closed  bool
	dropped int64 // atomic
}

const amqpBuffer = 1024

func NewAMQP(pub Publisher, queue string, log *zap.Logger) *AMQP {
	a := &AMQP{
		pub:   pub,
		queue: queue,
		log:   log,
		ch:    make(chan Event, amqpBuffer),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

// DialAMQP connects to the broker at url and declares a durable queue
func DialAMQP(url, queue string, log *zap.Logger) (*AMQP, error) {
	conn, err := rabbitmq.Dial(url)
	if err != nil {
		return nil, errors.WithMessage(err, "rabbitmq.Dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.WithMessage(err, "Channel")
	}
	_, err = ch.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, errors.WithMessage(err, "QueueDeclare")
	}
	a := NewAMQP(ch, queue, log)
	a.closers = []func() error{ch.Close, conn.Close}
	return a, nil
}

func (a *AMQP) Emit(e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- e:
	default:
		atomic.AddInt64(&a.dropped, 1)
		a.log.Warn("event dropped, amqp buffer full", zap.String("event", string(e.Kind)))
	}
}

// Dropped is the number of events lost to a full buffer
func (a *AMQP) Dropped() int64 {
	return atomic.LoadInt64(&a.dropped)
}

func (a *AMQP) run() {
	defer close(a.done)
	for e := range a.ch {
		if err := a.publish(e); err != nil {
			a.log.Error("publish event", zap.String("event", string(e.Kind)), zap.Error(err))
		}
	}
}

func (a *AMQP) publish(e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return errors.WithMessage(err, "Marshal")
	}
	msg := amqp.Publishing{
		Timestamp:    time.Now(),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         string(e.Kind),
		Body:         body,
	}
	err = a.pub.Publish(
		"",
		a.queue,
		false, // mandatory
		false, // immediate
		msg,
	)
	return errors.WithMessage(err, "Publish")
}

// Close flushes buffered events and closes the connection
func (a *AMQP) Close() error {
	var err error
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
		<-a.done
		for _, c := range a.closers {
			if cerr := c(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
