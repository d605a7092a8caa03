// Package store persists locally delivered messages. Each message is written to a
// file named after its id under a per-day directory; an existing file is never
// overwritten.
package store

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/matoous/gosmtpd/mail"
)

// ErrNotFound is returned when the receipt doesn't refer to a stored message
var ErrNotFound = errors.New("message not found")

// Error is a storage failure, it is always temporary so clients retry later
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "store " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Cause() error { return e.Err }

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports that the operation may succeed when retried
func (e *Error) Temporary() bool { return true }

// Receipt identifies a stored message
type Receipt struct {
	ID       string    `json:"id"`
	Path     string    `json:"path"` // relative to the store root
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}

// Disk stores message files under root/YYYY/MM/DD/<id>.eml
type Disk struct {
	root string
	tmp  string
	log  *zap.Logger
	now  func() time.Time
}

// NewDisk creates the store, creating root if needed
func NewDisk(root string, log *zap.Logger) (*Disk, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.WithMessage(err, "filepath.Abs")
	}
	tmp := filepath.Join(root, ".tmp")
	if err := os.MkdirAll(tmp, 0750); err != nil {
		return nil, errors.WithMessage(err, "os.MkdirAll")
	}
	return &Disk{root: root, tmp: tmp, log: log, now: time.Now}, nil
}

// Root is the absolute store directory
func (d *Disk) Root() string {
	return d.root
}

// Persist durably writes the message. The file becomes visible under its final
// name only after its content was synced.
func (d *Disk) Persist(ctx context.Context, msg *mail.Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if msg.ID == "" || strings.ContainsAny(msg.ID, `/\`) || strings.HasPrefix(msg.ID, ".") {
		return Receipt{}, errors.Errorf("invalid message id %q", msg.ID)
	}
	stored := d.now()
	// the directory follows the receipt date of the message
	at := msg.ReceivedAt
	if at.IsZero() {
		at = stored
	}
	at = at.UTC()
	rel := filepath.Join(at.Format("2006"), at.Format("01"), at.Format("02"), msg.ID+".eml")
	dst := filepath.Join(d.root, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return Receipt{}, &Error{Op: "mkdir", Err: err}
	}

	f, err := ioutil.TempFile(d.tmp, msg.ID+"-*")
	if err != nil {
		return Receipt{}, &Error{Op: "create", Err: err}
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(msg.Raw()); err != nil {
		f.Close()
		return Receipt{}, &Error{Op: "write", Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return Receipt{}, &Error{Op: "sync", Err: err}
	}
	if err := f.Close(); err != nil {
		return Receipt{}, &Error{Op: "close", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	// link fails if dst exists
	if err := os.Link(tmp, dst); err != nil {
		return Receipt{}, &Error{Op: "link", Err: err}
	}

	r := Receipt{ID: msg.ID, Path: filepath.ToSlash(rel), Size: msg.Size(), StoredAt: stored}
	d.log.Debug("message stored", zap.String("id", r.ID), zap.String("path", r.Path), zap.Int64("size", r.Size))
	return r, nil
}

func (d *Disk) resolve(r Receipt) (string, error) {
	p := filepath.Join(d.root, filepath.FromSlash(r.Path))
	rel, err := filepath.Rel(d.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.HasPrefix(rel, ".tmp") {
		return "", errors.Errorf("receipt path %q outside of store", r.Path)
	}
	return p, nil
}

// Retrieve reads stored message
func (d *Disk) Retrieve(r Receipt) ([]byte, error) {
	p, err := d.resolve(r)
	if err != nil {
		return nil, err
	}
	data, err := ioutil.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &Error{Op: "read", Err: err}
	}
	return data, nil
}

// Discard removes stored message, used when a transaction is rolled back
func (d *Disk) Discard(r Receipt) error {
	p, err := d.resolve(r)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return &Error{Op: "remove", Err: err}
	}
	d.log.Debug("message discarded", zap.String("id", r.ID), zap.String("path", r.Path))
	return nil
}
