package mta

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/matoous/gosmtpd/events"
	"github.com/matoous/gosmtpd/mail"
	"github.com/matoous/gosmtpd/policy"
	"github.com/matoous/gosmtpd/ratelimit"
)

// parsePath splits "FROM:<addr> PARAM=VALUE ..." into the address and parameters.
// prefix is "FROM" or "TO", matched case-insensitively. ok is false on syntax errors.
func parsePath(data, prefix string) (addr string, params []string, ok bool) {
	i := strings.IndexByte(data, ':')
	if i < 0 || !strings.EqualFold(strings.TrimSpace(data[:i]), prefix) {
		return "", nil, false
	}
	rest := strings.TrimSpace(data[i+1:])
	if rest == "" {
		return "", nil, false
	}
	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return "", nil, false
		}
		addr = rest[1:end]
		rest = rest[end+1:]
	} else {
		fields := strings.Fields(rest)
		addr = fields[0]
		rest = strings.TrimPrefix(rest, fields[0])
	}
	// source routes, RFC 5321 4.1.1.3, are ignored
	if strings.HasPrefix(addr, "@") {
		if c := strings.IndexByte(addr, ':'); c >= 0 {
			addr = addr[c+1:]
		}
	}
	return removeBrackets(addr), strings.Fields(rest), true
}

func handleMail(s *session, cmd *command) {
	cfg := s.cfg.cfg

	// require authentication if set in settings
	if cfg.Auth.RequireAuth && !s.authenticated {
		s.Out(mail.Codes.FailAuthRequired)
		return
	}

	addr, params, ok := parsePath(cmd.data, "FROM")
	if !ok {
		s.fail(mail.Codes.FailInvalidAddress)
		return
	}

	var size int64
	var bodyType string
	for _, p := range params {
		key, value := p, ""
		if i := strings.IndexByte(p, '='); i >= 0 {
			key, value = p[:i], p[i+1:]
		}
		switch strings.ToUpper(key) {
		case "SIZE":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				s.fail(mail.Codes.FailSyntax)
				return
			}
			if n > s.cfg.limits.MsgSize {
				s.emit(events.Event{Kind: events.Rejected, From: addr, Phase: events.PhaseMail, Code: 552, Reason: "declared size too big"})
				s.Out(mail.Codes.FailTooBig)
				return
			}
			size = n
		case "BODY":
			// body-value ::= "7BIT" / "8BITMIME"
			switch strings.ToUpper(value) {
			case "7BIT", "8BITMIME":
				bodyType = strings.ToUpper(value)
			default:
				s.fail(mail.Codes.FailCmdParamNotImplemented)
				return
			}
		case "SMTPUTF8":
			if !cfg.Server.SMTPUTF8 {
				s.Out(mail.Codes.FailInvalidExtension)
				return
			}
		default:
			s.Out(mail.Codes.FailInvalidExtension)
			return
		}
	}

	from := mail.Address(addr)
	if err := from.Validate(); err != nil {
		s.log.Debug("invalid sender", zap.String("from", addr), zap.Error(err))
		s.fail(mail.Codes.FailBadSenderMailboxAddressSyntax)
		return
	}

	if v := s.cfg.rules.CheckSender(from); !v.Allowed {
		s.log.Info("sender rejected", zap.String("from", addr), zap.Stringer("verdict", v))
		s.emit(events.Event{Kind: events.Rejected, From: addr, Phase: events.PhaseMail, Code: 550, Reason: v.String()})
		s.Out(mail.Codes.FailSenderRejected)
		return
	}

	ipKey := ratelimit.IPKey(s.remoteIP)
	if !s.srv.limiter.TryAcquire(ratelimit.GlobalKey, ipKey) {
		s.log.Info("rate limited", zap.String("from", addr),
			zap.Int("global", s.srv.limiter.Count(ratelimit.GlobalKey)), zap.Int("ip", s.srv.limiter.Count(ipKey)))
		s.emit(events.Event{Kind: events.Rejected, From: addr, Phase: events.PhaseMail, Code: 451, Reason: "rate limited"})
		s.Out(mail.Codes.ErrorRateLimited)
		return
	}

	s.envelope.Reset()
	s.envelope.MailFrom = from
	s.envelope.DeclaredSize = size
	s.envelope.BodyType = bodyType
	s.state = stateMailFromSet
	s.Out(mail.Codes.SuccessMailCmd)
}

func handleRcpt(s *session, cmd *command) {
	cfg := s.cfg.cfg

	// check recipients limit
	if len(s.envelope.MailTo) >= s.cfg.limits.MaxRcptCount {
		s.Out(mail.Codes.ErrorTooManyRecipients)
		return
	}

	addr, params, ok := parsePath(cmd.data, "TO")
	if !ok {
		s.fail(mail.Codes.FailInvalidRecipient)
		return
	}
	if len(params) > 0 {
		s.Out(mail.Codes.FailInvalidExtension)
		return
	}

	rcpt := mail.Address(addr)
	// must be implemented - RFC5321
	if strings.EqualFold(addr, "postmaster") {
		rcpt = mail.Address("postmaster@" + cfg.Server.Hostname)
	}
	if rcpt.IsNull() || rcpt.Validate() != nil {
		s.log.Debug("invalid recipient", zap.String("rcpt", addr))
		s.fail(mail.Codes.FailBadDestinationMailboxAddressSyntax)
		return
	}

	if v := s.cfg.rules.CheckRecipient(rcpt); !v.Allowed {
		s.log.Info("recipient rejected", zap.String("rcpt", addr), zap.Stringer("verdict", v))
		s.emit(events.Event{
			Kind:   events.Rejected,
			From:   string(s.envelope.MailFrom),
			To:     []string{string(rcpt)},
			Phase:  events.PhaseRcpt,
			Code:   550,
			Reason: v.String(),
		})
		if v.Reason == policy.ReasonLocalPart {
			s.Out(mail.Codes.FailMailboxDoesntExist)
		} else {
			s.Out(mail.Codes.FailRecipientRejected)
		}
		return
	}

	if cfg.Policy.RelayRequiresAuth && !s.authenticated && !cfg.IsLocalDomain(rcpt.Hostname()) {
		s.emit(events.Event{
			Kind:   events.Rejected,
			From:   string(s.envelope.MailFrom),
			To:     []string{string(rcpt)},
			Phase:  events.PhaseRcpt,
			Code:   550,
			Reason: "relay denied",
		})
		s.Out(mail.Codes.FailRelayAccessDenied)
		return
	}

	s.envelope.AddRecipient(rcpt)
	s.state = stateRcptToSet
	s.Out(mail.Codes.SuccessRcptCmd)
}
