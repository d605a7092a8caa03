package mta

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/matoous/gosmtpd/events"
	"github.com/matoous/gosmtpd/mail"
)

var errLineTooLong = errors.New("line too long")

// session wraps underlying SMTP connection for easier handling
type session struct {
	conn             net.Conn       // connection, replaced by the TLS upgrade
	raw              net.Conn       // accepted connection, safe to use from other goroutines
	bufin            *bufio.Reader  // reader
	bufout           *bufio.Writer  // writer
	id               string         // session id
	remoteIP         net.IP         // remote address, rate limit key
	envelope         *mail.Envelope // session envelope
	state            sessionState   // session state
	badCommandsCount int            // amount of bad commands
	authFailures     int            // amount of failed AUTH attempts
	start            time.Time      // start time of the session
	cfg              *snapshot      // configuration for the current command
	idle             int32          // waiting for a command, atomic

	ctx    context.Context
	cancel context.CancelFunc

	// tls info
	tls      bool // tls enabled
	tlsState tls.ConnectionState

	// hello info
	helloType int
	helloHost string

	// authentication info
	authenticated     bool   // true after successful auth dialog
	authenticatedUser string // User authenticated for current session

	log *zap.Logger // logger
	srv *Server     // serve handling this request
}

// resetTransaction drops the envelope, the session stays greeted
func (s *session) resetTransaction() {
	s.envelope.Reset()
	if s.state != stateConnected && s.state != stateClosed {
		s.state = stateGreeted
	}
}

func (s *session) Out(msgs ...string) {
	if s.state == stateClosed {
		return
	}
	s.log.Debug("reply", zap.Strings("msgs", msgs))

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.limits.ReplyOut))
	for _, msg := range msgs {
		s.bufout.WriteString(msg)
		s.bufout.Write([]byte("\r\n"))
	}
	if err := s.bufout.Flush(); err != nil {
		s.log.Debug("flush", zap.Error(err))
		s.state = stateClosed
	}
}

// fail replies with an error which counts against the bad commands limit,
// the command reaching the limit is answered with 421 and the session ends
func (s *session) fail(msg string) {
	s.badCommandsCount++
	if s.badCommandsCount >= s.cfg.limits.BadCmds {
		s.log.Info("too many bad commands", zap.Int("count", s.badCommandsCount))
		s.Out(mail.Codes.ErrorTooManyErrors)
		s.close()
		return
	}
	s.Out(msg)
}

func (s *session) close() {
	s.state = stateClosed
}

func (s *session) emit(e events.Event) {
	e.Time = time.Now()
	e.Session = s.id
	e.Remote = s.conn.RemoteAddr().String()
	s.srv.events.Emit(e)
}

// readLine reads a single line of at most max bytes including the line ending.
// Longer lines are consumed completely and reported with errLineTooLong.
func (s *session) readLine(max int) (string, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := s.bufin.ReadSlice('\n')
		if !tooLong && len(line)+len(chunk) <= max {
			line = append(line, chunk...)
		} else {
			tooLong = true
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", err
		}
		break
	}
	if tooLong {
		return "", errLineTooLong
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// interruptIfIdle wakes a session waiting for the next command so it can see
// the server is shutting down
func (s *session) interruptIfIdle() {
	if atomic.LoadInt32(&s.idle) == 1 {
		s.raw.SetReadDeadline(time.Now())
	}
}

// readCommand waits for the next command line under the command timeout
func (s *session) readCommand() (string, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.limits.CmdInput))
	atomic.StoreInt32(&s.idle, 1)
	defer atomic.StoreInt32(&s.idle, 0)
	if s.srv.isShuttingDown() {
		return "", errShutdown
	}
	return s.readLine(maxCommandLineLength)
}

var errShutdown = errors.New("server shutting down")

// Serve - serve given session
// reads commands from input and dispatches them by the session state,
// transport failures end the session
func (s *session) Serve() {
	defer s.conn.Close()
	defer s.cancel()

	s.emit(events.Event{Kind: events.Connected})
	defer func() {
		s.emit(events.Event{Kind: events.Disconnected})
		s.log.Debug("session closed", zap.Duration("in", time.Since(s.start)))
	}()

	// send welcome
	s.handleWelcome()

	for s.state != stateClosed {
		line, err := s.readCommand()
		s.cfg = s.srv.snapshot()
		switch {
		case err == errLineTooLong:
			s.fail(mail.Codes.FailLineTooLong)
		case err == errShutdown || (isTimeout(err) && s.srv.isShuttingDown()):
			s.Out(mail.Codes.ErrorShutdown)
			return
		case isTimeout(err):
			s.log.Debug("idle timeout")
			s.Out(mail.Codes.ErrorTimeout)
			return
		case err != nil:
			s.log.Debug("read command", zap.Error(err))
			return
		default:
			s.dispatch(line)
		}
	}
}

func (s *session) dispatch(line string) {
	cmd, err := parseCommand(line)
	if err == errUnexpectedArgument {
		s.fail(mail.Codes.FailSyntax)
		return
	}
	if err != nil {
		s.log.Debug("bad command", zap.String("line", line), zap.Error(err))
		s.fail(mail.Codes.FailUnrecognizedCmd)
		return
	}
	if cmd.commandCode == authCmd {
		s.log.Debug("command", zap.String("verb", cmd.verb))
	} else {
		s.log.Debug("command", zap.String("cmd", cmd.String()))
	}
	t := transitions[cmd.commandCode]
	if !t.allowed.has(s.state) {
		s.fail(mail.Codes.FailBadSequence)
		return
	}
	t.handle(s, cmd)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// send Welcome upon new session creation
func (s *session) handleWelcome() {
	cfg := s.cfg.cfg.Server
	banner := fmt.Sprintf("220 %s ESMTP %s(%s)", cfg.Hostname, cfg.SftName, cfg.SftVersion)
	if cfg.Announce != "" {
		banner += " " + cfg.Announce
	}
	s.Out(banner)
}

// handle Ehlo command
func handleEhlo(s *session, cmd *command) {
	args := cmd.Args()
	if len(args) == 0 {
		s.fail(mail.Codes.FailSyntax)
		return
	}
	s.envelope.Reset()
	s.state = stateGreeted
	s.helloType = cmd.commandCode
	s.helloHost = args[0]

	cfg := s.cfg.cfg
	ehloResp := make([]string, 0, 10)
	ehloResp = append(ehloResp, fmt.Sprintf("%v hello %v", cfg.Server.Hostname, s.conn.RemoteAddr()))
	// https://tools.ietf.org/html/rfc2920
	ehloResp = append(ehloResp, "PIPELINING")
	// https://tools.ietf.org/html/rfc6152
	ehloResp = append(ehloResp, "8BITMIME")
	// https://tools.ietf.org/html/rfc1870
	ehloResp = append(ehloResp, fmt.Sprintf("SIZE %d", s.cfg.limits.MsgSize))
	// https://tools.ietf.org/html/rfc3207
	if s.cfg.tls != nil && !s.tls {
		ehloResp = append(ehloResp, "STARTTLS")
	}
	// https://tools.ietf.org/html/rfc4954
	if len(cfg.Auth.Mechanisms) != 0 {
		ehloResp = append(ehloResp, "AUTH "+strings.ToUpper(strings.Join(cfg.Auth.Mechanisms, " ")))
	}
	// https://tools.ietf.org/html/rfc6531
	if cfg.Server.SMTPUTF8 {
		ehloResp = append(ehloResp, "SMTPUTF8")
	}
	// https://tools.ietf.org/html/rfc2034
	ehloResp = append(ehloResp, "ENHANCEDSTATUSCODES")
	ehloResp = append(ehloResp, "HELP")

	for i := range ehloResp {
		sep := "-"
		if i == len(ehloResp)-1 {
			sep = " "
		}
		ehloResp[i] = "250" + sep + ehloResp[i]
	}
	s.Out(ehloResp...)
}

// handle Helo command
func handleHelo(s *session, cmd *command) {
	args := cmd.Args()
	if len(args) == 0 {
		s.fail(mail.Codes.FailSyntax)
		return
	}
	s.envelope.Reset()
	s.state = stateGreeted
	s.helloType = cmd.commandCode
	s.helloHost = args[0]
	s.Out(fmt.Sprintf("250 %v hello %v", s.cfg.cfg.Server.Hostname, s.conn.RemoteAddr()))
}

// handleRset handle reset commands, reset currents session to beginning and empties the envelope
func handleRset(s *session, _ *command) {
	if s.envelope.IsSet() {
		s.log.Debug("transaction aborted", zap.String("from", string(s.envelope.MailFrom)), zap.Int("rcpts", len(s.envelope.MailTo)))
	}
	s.resetTransaction()
	s.Out(mail.Codes.SuccessResetCmd)
}

func handleNoop(s *session, _ *command) {
	s.Out(mail.Codes.SuccessNoopCmd)
}

func handleQuit(s *session, _ *command) {
	s.Out(mail.Codes.SuccessQuitCmd)
	s.close()
	s.log.Debug("quit", zap.Duration("in", time.Since(s.start)))
}

func handleHelp(s *session, _ *command) {
	s.Out(mail.Codes.SuccessHelpCmd)
}

// VRFY never discloses whether a mailbox exists
func handleVrfy(s *session, cmd *command) {
	if cmd.data == "" {
		s.fail(mail.Codes.FailSyntax)
		return
	}
	s.Out(mail.Codes.SuccessVerifyCmd)
}

func handleExpn(s *session, _ *command) {
	s.Out(mail.Codes.FailCmdNotSupported)
}
