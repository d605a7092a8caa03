package mta

import (
	"encoding/base64"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/matoous/gosmtpd/auth"
	"github.com/matoous/gosmtpd/events"
	"github.com/matoous/gosmtpd/mail"
)

func handleAuth(s *session, cmd *command) {
	mechanisms := s.cfg.cfg.Auth.Mechanisms
	if len(mechanisms) == 0 {
		// AUTH with no AUTH enabled counts as a
		// bad command. This deals with a few people
		// who spam AUTH requests at non-supporting
		// servers.
		s.fail(mail.Codes.FailCmdNotSupported)
		return
	}
	// RFC4954, section 4: After an AUTH
	// command has been successfully
	// completed, no more AUTH commands
	// may be issued in the same session.
	if s.authenticated {
		s.fail(mail.Codes.FailBadSequence)
		return
	}

	args := cmd.Args()
	if len(args) == 0 || len(args) > 2 {
		s.fail(mail.Codes.FailSyntax)
		return
	}
	mech := strings.ToUpper(args[0])
	if !stringInSlice(mech, mechanisms) {
		s.Out(mail.Codes.FailCmdParamNotImplemented)
		return
	}
	// plaintext mechanisms only over TLS, the store is never consulted
	if s.cfg.cfg.Auth.RequireTLS && !s.tls {
		s.Out(mail.Codes.FailEncryptionRequired)
		return
	}

	var initial string
	if len(args) == 2 {
		initial = args[1]
	}

	// failure is the credential check error, set once the mechanism got that far
	var identity string
	var failure error
	verify := func(username, password string) error {
		identity = username
		failure = s.cfg.creds.Verify(username, []byte(password))
		return failure
	}
	var server sasl.Server
	switch mech {
	case sasl.Plain:
		server = sasl.NewPlainServer(func(authzid, username, password string) error {
			// acting on behalf of another identity is not supported
			if authzid != "" && authzid != username {
				identity, failure = authzid, auth.ErrInvalidCredentials
				return failure
			}
			return verify(username, password)
		})
	case sasl.Login:
		server = sasl.NewLoginServer(verify)
	default:
		s.Out(mail.Codes.FailCmdParamNotImplemented)
		return
	}

	err := s.saslExchange(server, initial)
	switch {
	case err == nil:
	case failure != nil:
		s.authFailures++
		s.log.Info("authentication failed", zap.String("identity", identity), zap.Bool("known", s.cfg.creds.Has(identity)))
		s.emit(events.Event{Kind: events.AuthFailed, Reason: failure.Error(), From: identity})
		if s.authFailures >= s.cfg.limits.MaxAuthAttempts {
			s.Out(mail.Codes.ErrorTooManyAuth)
			s.close()
			return
		}
		s.Out(mail.Codes.FailAuthentication)
		return
	case err == auth.ErrCancelled:
		s.Out(mail.Codes.FailAuthCancelled)
		return
	case errors.Is(err, auth.ErrMalformed):
		s.log.Info("malformed auth input", zap.String("mechanism", mech), zap.Error(err))
		s.fail(mail.Codes.FailMalformedAuth)
		return
	case err == errLineTooLong:
		s.fail(mail.Codes.FailLineTooLong)
		return
	default:
		s.log.Debug("auth read", zap.Error(err))
		s.close()
		return
	}

	// login succeeded
	s.authenticated = true
	s.authenticatedUser = identity
	s.emit(events.Event{Kind: events.AuthSucceeded, From: identity})
	s.Out(mail.Codes.SuccessAuthentication)
}

// saslExchange runs the challenge loop of RFC 4954 4 until the mechanism is done.
// An initial response of "=" is empty and is treated as none, so the client is prompted.
func (s *session) saslExchange(server sasl.Server, initial string) error {
	var response []byte
	if initial != "" && initial != "=" {
		var err error
		if response, err = auth.DecodeResponse(initial); err != nil {
			return err
		}
	}
	for {
		challenge, done, err := server.Next(response)
		if err != nil {
			return errors.WithMessage(auth.ErrMalformed, err.Error())
		}
		if done {
			return nil
		}
		line, err := s.readAuthLine(base64.StdEncoding.EncodeToString(challenge))
		if err != nil {
			return err
		}
		if response, err = auth.DecodeResponse(line); err != nil {
			return err
		}
	}
}

// readAuthLine prompts the client and reads its response
func (s *session) readAuthLine(challenge string) (string, error) {
	s.Out("334 " + challenge)
	return s.readLine(maxAuthLineLength)
}
