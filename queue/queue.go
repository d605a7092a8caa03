// Package queue is the persistent relay queue. Messages for remote domains are
// kept in badger until a delivery worker reports them delivered or failed.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/matoous/gosmtpd/mail"
)

var (
	ErrQueueFull         = &Error{Op: "enqueue", Err: errors.New("queue is full")}
	ErrNotFound          = errors.New("queue entry not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Error is a failure of the queue backend, clients should retry later
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "queue " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Cause() error { return e.Err }

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Temporary() bool { return true }

const maxBackoff = 24 * time.Hour

var (
	msgPrefix   = []byte("msg/")
	entryPrefix = []byte("entry/")
)

func msgKey(id string) []byte {
	return append(append([]byte{}, msgPrefix...), id...)
}

func entryKey(id uuid.UUID) []byte {
	return append(append([]byte{}, entryPrefix...), id.String()...)
}

type Options struct {
	Dir         string
	InMemory    bool
	Capacity    int // max active entries, 0 is unlimited
	MaxAttempts int // attempts before an entry fails permanently, 0 is unlimited
	Backoff     time.Duration
	Logger      *zap.Logger
}

// Queue is safe for concurrent use
type Queue struct {
	db   *badger.DB
	opts Options
	log  *zap.Logger
	now  func() time.Time

	// mu serializes writers so capacity checks and claims are atomic
	mu     sync.Mutex
	active int
}

// Open opens the queue, entries left in flight by a previous process are made pending again
func Open(opts Options) (*Queue, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Minute
	}
	bopts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts = bopts.WithLogger(badgerLogger{opts.Logger.Named("badger").Sugar()})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.WithMessage(err, "badger.Open")
	}
	q := &Queue{db: db, opts: opts, log: opts.Logger, now: time.Now}
	if err := q.recover(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) recover() error {
	return q.db.Update(func(txn *badger.Txn) error {
		var stale []*Entry
		err := eachEntry(txn, func(e *Entry) error {
			if e.Status == InFlight {
				stale = append(stale, e)
			}
			if !e.Status.Terminal() {
				q.active++
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, e := range stale {
			e.Status = Pending
			e.UpdatedAt = q.now()
			if err := putEntry(txn, e); err != nil {
				return err
			}
			q.log.Info("requeued in-flight entry", zap.Stringer("id", e.ID))
		}
		return nil
	})
}

// Close closes the underlying database
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue stores message once and creates one pending entry per destination.
// Either all entries are created or none.
func (q *Queue) Enqueue(ctx context.Context, msg *mail.Message, dests ...Destination) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(dests) == 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.opts.Capacity > 0 && q.active+len(dests) > q.opts.Capacity {
		return nil, ErrQueueFull
	}

	now := q.now()
	ids := make([]uuid.UUID, 0, len(dests))
	err := q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(msg.ID), msg.Raw()); err != nil {
			return err
		}
		for _, d := range dests {
			rcpts := make([]mail.Address, len(d.Recipients))
			copy(rcpts, d.Recipients)
			e := &Entry{
				ID:          uuid.New(),
				MessageID:   msg.ID,
				From:        msg.From,
				Domain:      d.Domain,
				Recipients:  rcpts,
				Status:      Pending,
				NextAttempt: now,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := putEntry(txn, e); err != nil {
				return err
			}
			ids = append(ids, e.ID)
		}
		return nil
	})
	if err != nil {
		return nil, &Error{Op: "enqueue", Err: err}
	}
	q.active += len(ids)
	q.log.Debug("message queued", zap.String("message_id", msg.ID), zap.Int("entries", len(ids)))
	return ids, nil
}

// Claim marks up to limit due pending entries in flight and returns them, oldest first
func (q *Queue) Claim(ctx context.Context, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var claimed []Entry
	err := q.db.Update(func(txn *badger.Txn) error {
		var due []*Entry
		err := eachEntry(txn, func(e *Entry) error {
			if e.Status == Pending && !e.NextAttempt.After(now) {
				due = append(due, e)
			}
			return nil
		})
		if err != nil {
			return err
		}
		sort.Slice(due, func(i, j int) bool {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		})
		if limit > 0 && len(due) > limit {
			due = due[:limit]
		}
		for _, e := range due {
			if err := e.transition(InFlight, now); err != nil {
				return err
			}
			e.Attempts++
			if err := putEntry(txn, e); err != nil {
				return err
			}
			claimed = append(claimed, *e)
		}
		return nil
	})
	if err != nil {
		return nil, &Error{Op: "claim", Err: err}
	}
	return claimed, nil
}

// Complete marks an in flight entry delivered
func (q *Queue) Complete(id uuid.UUID) error {
	return q.update(id, func(e *Entry, now time.Time) error {
		return e.transition(Delivered, now)
	})
}

// Fail records a failed delivery attempt. The entry is retried with exponential
// backoff unless the failure is permanent or attempts are exhausted.
func (q *Queue) Fail(id uuid.UUID, reason error, permanent bool) error {
	return q.update(id, func(e *Entry, now time.Time) error {
		if reason != nil {
			e.LastError = reason.Error()
		}
		if permanent || (q.opts.MaxAttempts > 0 && e.Attempts >= q.opts.MaxAttempts) {
			return e.transition(Failed, now)
		}
		if err := e.transition(Pending, now); err != nil {
			return err
		}
		e.NextAttempt = now.Add(q.backoff(e.Attempts))
		return nil
	})
}

func (q *Queue) backoff(attempts int) time.Duration {
	d := q.opts.Backoff
	for i := 1; i < attempts && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (q *Queue) update(id uuid.UUID, fn func(*Entry, time.Time) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var done bool
	err := q.db.Update(func(txn *badger.Txn) error {
		e, err := getEntry(txn, id)
		if err != nil {
			return err
		}
		if err := fn(e, q.now()); err != nil {
			return err
		}
		if err := putEntry(txn, e); err != nil {
			return err
		}
		if e.Status.Terminal() {
			done = true
			return q.releaseMessage(txn, e)
		}
		return nil
	})
	if errors.Cause(err) == ErrNotFound || errors.Cause(err) == ErrInvalidTransition {
		return err
	}
	if err != nil {
		return &Error{Op: "update", Err: err}
	}
	if done {
		q.active--
	}
	return nil
}

// releaseMessage drops the message body once no active entry refers to it
func (q *Queue) releaseMessage(txn *badger.Txn, done *Entry) error {
	var referenced bool
	err := eachEntry(txn, func(e *Entry) error {
		if e.ID != done.ID && e.MessageID == done.MessageID && !e.Status.Terminal() {
			referenced = true
		}
		return nil
	})
	if err != nil || referenced {
		return err
	}
	return txn.Delete(msgKey(done.MessageID))
}

// Get returns entry by id
func (q *Queue) Get(id uuid.UUID) (Entry, error) {
	var e *Entry
	err := q.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = getEntry(txn, id)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	return *e, nil
}

// Message returns the raw message of active entries
func (q *Queue) Message(messageID string) ([]byte, error) {
	var raw []byte
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(msgKey(messageID))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	return raw, err
}

// List returns entries with given statuses, all entries if none given
func (q *Queue) List(statuses ...Status) ([]Entry, error) {
	var out []Entry
	err := q.db.View(func(txn *badger.Txn) error {
		return eachEntry(txn, func(e *Entry) error {
			if len(statuses) == 0 || hasStatus(statuses, e.Status) {
				out = append(out, *e)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

func hasStatus(statuses []Status, s Status) bool {
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}

// Stats counts entries per status
func (q *Queue) Stats() (Stats, error) {
	var s Stats
	err := q.db.View(func(txn *badger.Txn) error {
		return eachEntry(txn, func(e *Entry) error {
			s.add(e.Status)
			return nil
		})
	})
	return s, err
}

func getEntry(txn *badger.Txn, id uuid.UUID) (*Entry, error) {
	item, err := txn.Get(entryKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e := &Entry{}
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, e)
	})
	return e, errors.WithMessage(err, "decode entry")
}

func putEntry(txn *badger.Txn, e *Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return errors.WithMessage(err, "encode entry")
	}
	return txn.Set(entryKey(e.ID), b)
}

func eachEntry(txn *badger.Txn, fn func(*Entry) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(entryPrefix); it.ValidForPrefix(entryPrefix); it.Next() {
		e := &Entry{}
		err := it.Item().Value(func(v []byte) error {
			return json.Unmarshal(v, e)
		})
		if err != nil {
			return errors.WithMessagef(err, "decode entry %s", bytes.TrimPrefix(it.Item().Key(), entryPrefix))
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}
