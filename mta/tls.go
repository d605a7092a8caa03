package mta

import (
	"bufio"
	"crypto/tls"
	"time"

	"go.uber.org/zap"

	"github.com/matoous/gosmtpd/mail"
)

// start TLS
func handleStartTLS(s *session, _ *command) {
	if s.tls {
		s.fail(mail.Codes.FailTLSAlreadyActive)
		return
	}
	if s.cfg.tls == nil {
		s.Out(mail.Codes.FailCmdNotSupported)
		return
	}
	s.Out(mail.Codes.SuccessStartTLSCmd)
	if s.state == stateClosed {
		return
	}
	if !s.upgrade(s.cfg.tls) {
		s.close()
		return
	}

	// RFC 3207 4.2, the client must start over, knowledge obtained in plaintext is discarded
	s.envelope.Reset()
	s.state = stateConnected
	s.helloHost = ""
	s.authenticated = false
	s.authenticatedUser = ""
}

// handshake performs the implicit TLS handshake before the greeting
func (s *session) handshake() bool {
	cfg := s.srv.snapshot().tls
	if cfg == nil {
		s.log.Error("implicit TLS without certificate")
		return false
	}
	return s.upgrade(cfg)
}

// upgrade wraps the connection in TLS, bytes buffered before the handshake are dropped
func (s *session) upgrade(cfg *tls.Config) bool {
	// set timeout for TLS connection negotiation
	s.conn.SetDeadline(time.Now().Add(s.cfg.limits.TLSSetup))
	secureConn := tls.Server(s.conn, cfg)

	// TLS handshake
	if err := secureConn.Handshake(); err != nil {
		s.log.Info("tls handshake", zap.Error(err))
		return false
	}
	s.conn.SetDeadline(time.Time{})

	s.conn = secureConn
	s.bufin = bufio.NewReader(secureConn)
	s.bufout = bufio.NewWriter(secureConn)
	s.tls = true
	s.tlsState = secureConn.ConnectionState()
	s.log.Debug("tls established", zap.String("version", tlsVersionString(&s.tlsState)),
		zap.String("cipher", tlsCipherSuiteString(&s.tlsState)))
	return true
}
