package mta

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/smtp"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/matoous/gosmtpd/config"
	"github.com/matoous/gosmtpd/events"
	"github.com/matoous/gosmtpd/mail"
	"github.com/matoous/gosmtpd/queue"
	"github.com/matoous/gosmtpd/store"
)

// memStore keeps persisted messages in memory
type memStore struct {
	mu        sync.Mutex
	msgs      []*mail.Message
	discarded []store.Receipt
	err       error
}

func (m *memStore) Persist(ctx context.Context, msg *mail.Message) (store.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return store.Receipt{}, m.err
	}
	m.msgs = append(m.msgs, msg)
	return store.Receipt{ID: msg.ID, Path: msg.ID + ".eml", Size: msg.Size(), StoredAt: time.Now()}, nil
}

func (m *memStore) Discard(r store.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discarded = append(m.discarded, r)
	return nil
}

func (m *memStore) messages() []*mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*mail.Message{}, m.msgs...)
}

func (m *memStore) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

type enqueued struct {
	msg   *mail.Message
	dests []queue.Destination
}

// memQueue records enqueued messages
type memQueue struct {
	mu  sync.Mutex
	got []enqueued
	err error
}

func (q *memQueue) Enqueue(ctx context.Context, msg *mail.Message, dests ...queue.Destination) ([]uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.got = append(q.got, enqueued{msg: msg, dests: dests})
	ids := make([]uuid.UUID, len(dests))
	for i := range ids {
		ids[i] = uuid.New()
	}
	return ids, nil
}

func (q *memQueue) enqueued() []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueued{}, q.got...)
}

func (q *memQueue) setErr(err error) {
	q.mu.Lock()
	q.err = err
	q.mu.Unlock()
}

// testConfig mirrors a small mail host: local domains, one user and a set of policy lists
func testConfig(t *testing.T) *config.Config {
	c := config.Default()
	c.Server.Addr = ""
	c.Server.Hostname = "localhost"
	c.LocalDomains = []string{"localhost", "mydomain.com"}
	c.Auth.HashCost = bcrypt.MinCost
	c.Auth.Users = []config.UserConfig{{Username: "admin", Password: "admin123"}}
	c.Policy = config.PolicyConfig{
		SenderAllow:     []string{"trusted.com", "example.com", "localhost"},
		SenderBlock:     []string{"spam.com", "junk.org"},
		RecipientAllow:  []string{"mydomain.com", "example.com", "localhost"},
		LocalParts:      []string{"admin@*", "user@*", "test@*", "info@*", "support@*"},
		BlockedKeywords: []string{"viagra", "casino", "lottery"},
		SpamDomains:     []string{"phishing.net", "malware.org"},
	}
	return c
}

func testCertificate(t *testing.T) tls.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

var clientTLS = &tls.Config{InsecureSkipVerify: true}

type testServer struct {
	*Server
	store  *memStore
	queue  *memQueue
	events *events.Recorder
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	ts := &testServer{store: &memStore{}, queue: &memQueue{}, events: &events.Recorder{}}
	srv, err := NewServer(cfg, zap.NewNop(), Backends{Store: ts.store, Queue: ts.queue, Events: ts.events})
	require.NoError(t, err)
	ts.Server = srv
	return ts
}

// serve starts serving on a random local port and returns its address
func (ts *testServer) serve(t *testing.T, implicitTLS bool) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		if implicitTLS {
			ts.ServeTLS(ln)
		} else {
			ts.Serve(ln)
		}
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ts.Shutdown(ctx)
	})
	return ln.Addr().String()
}

func startServer(t *testing.T, cfg *config.Config) (*testServer, string) {
	ts := newTestServer(t, cfg)
	return ts, ts.serve(t, false)
}

// client speaks raw SMTP
type client struct {
	t *testing.T
	*textproto.Conn
	conn net.Conn
}

func dialClient(t *testing.T, addr string) *client {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	c := &client{t: t, Conn: textproto.NewConn(conn), conn: conn}
	t.Cleanup(func() { c.Close() })
	c.expect(220)
	return c
}

func (c *client) expect(code int) string {
	c.t.Helper()
	got, msg, err := c.ReadResponse(0)
	require.NoError(c.t, err)
	require.Equal(c.t, code, got, msg)
	return msg
}

func (c *client) send(code int, format string, args ...interface{}) string {
	c.t.Helper()
	require.NoError(c.t, c.PrintfLine(format, args...))
	return c.expect(code)
}

// expectClosed checks the server hung up
func (c *client) expectClosed() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := c.ReadLine()
	assert.Error(c.t, err)
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(testConfig(t), zap.NewNop(), Backends{})
	assert.Error(t, err, "store and queue are required")

	ts := newTestServer(t, testConfig(t))
	assert.Equal(t, DefaultLimits, ts.snapshot().limits)
	assert.Nil(t, ts.snapshot().tls)

	bad := testConfig(t)
	bad.Auth.Mechanisms = []string{"CRAM-MD5"}
	_, err = NewServer(bad, zap.NewNop(), Backends{Store: &memStore{}, Queue: &memQueue{}})
	assert.Error(t, err)
}

func TestServer_Serve(t *testing.T) {
	_, addr := startServer(t, testConfig(t))

	c, err := smtp.Dial(addr)
	require.NoError(t, err)
	assert.NoError(t, c.Hello("client"))
	assert.NoError(t, c.Quit())
}

func TestServer_ConnectionCap(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.MaxConnections = 1
	ts, addr := startServer(t, cfg)

	first := dialClient(t, addr)
	assert.Equal(t, 1, ts.LiveConnections())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 16))
	assert.Error(t, err, "connection over the cap is closed without greeting")

	first.send(221, "QUIT")
	assert.Eventually(t, func() bool { return ts.LiveConnections() == 0 }, 5*time.Second, 10*time.Millisecond)

	dialClient(t, addr).send(250, "NOOP")
	assert.NotEmpty(t, ts.events.Kind(events.Rejected))
}

func TestServer_ImplicitTLS(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Certificates = []tls.Certificate{testCertificate(t)}
	ts := newTestServer(t, cfg)
	addr := ts.serve(t, true)

	conn, err := tls.Dial("tcp", addr, clientTLS)
	require.NoError(t, err)
	c, err := smtp.NewClient(conn, "127.0.0.1")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Hello("client"))
	ok, _ := c.Extension("STARTTLS")
	assert.False(t, ok, "STARTTLS is not offered on a TLS connection")
	require.NoError(t, c.Auth(smtp.PlainAuth("", "admin", "admin123", "127.0.0.1")))
	require.NoError(t, c.Mail("sender@trusted.com"))
	require.NoError(t, c.Rcpt("admin@localhost"))
	w, err := c.Data()
	require.NoError(t, err)
	_, err = w.Write([]byte("Subject: tls\r\n\r\nsecret\r\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, c.Quit())

	msgs := ts.store.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, string(msgs[0].Header()), "ESMTPSA")
}

func TestServer_ImplicitTLS_HandshakeFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Certificates = []tls.Certificate{testCertificate(t)}
	ts := newTestServer(t, cfg)
	addr := ts.serve(t, true)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.Write([]byte("EHLO plaintext\r\n"))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 512)
	n, _ := conn.Read(buf)
	assert.NotContains(t, string(buf[:n]), "220 ", "no greeting without handshake")
	assert.Eventually(t, func() bool { return ts.LiveConnections() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_Reload(t *testing.T) {
	cfg := testConfig(t)
	ts, addr := startServer(t, cfg)
	c := dialClient(t, addr)
	c.send(250, "EHLO client")
	c.send(250, "MAIL FROM:<a@trusted.com>")
	c.send(250, "RSET")

	next := *cfg
	next.Policy.SenderBlock = []string{"trusted.com"}
	require.NoError(t, ts.Reload(&next))
	c.send(550, "MAIL FROM:<a@trusted.com>")

	broken := *cfg
	broken.Policy.LocalParts = []string{"[bad"}
	assert.Error(t, ts.Reload(&broken))
	c.send(550, "MAIL FROM:<a@trusted.com>")
}

func TestServer_Shutdown(t *testing.T) {
	ts := newTestServer(t, testConfig(t))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- ts.Serve(ln) }()

	c := dialClient(t, ln.Addr().String())
	c.send(250, "EHLO client")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.Shutdown(ctx))
	c.expect(421)
	assert.Equal(t, ErrServerClosed, <-served)
	assert.Equal(t, 0, ts.LiveConnections())
}

func TestServer_ListenAndServe(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Addr = "127.0.0.1:0"
	ts := newTestServer(t, cfg)
	done := make(chan error, 1)
	go func() { done <- ts.ListenAndServe() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Eventually(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return len(ts.listeners) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, ts.Shutdown(ctx))
	assert.Equal(t, ErrServerClosed, <-done)
}
