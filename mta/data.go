package mta

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/matoous/go-nanoid"
	"go.uber.org/zap"

	"github.com/matoous/gosmtpd/events"
	"github.com/matoous/gosmtpd/mail"
	"github.com/matoous/gosmtpd/policy"
	"github.com/matoous/gosmtpd/queue"
	"github.com/matoous/gosmtpd/store"
)

// readData reads the message up to the terminating "." line, undoing dot
// stuffing and keeping line endings as sent. Once more than max bytes were
// read the rest is discarded, but reading continues to the terminator.
func (s *session) readData(w io.Writer, max int64) (tooBig bool, err error) {
	var n int64
	lineStart := true
	for {
		chunk, err := s.bufin.ReadSlice('\n')
		if err != nil && err != bufio.ErrBufferFull {
			return tooBig, err
		}
		complete := err == nil
		if lineStart && len(chunk) > 0 && chunk[0] == '.' {
			if complete && (bytes.Equal(chunk, []byte(".\r\n")) || bytes.Equal(chunk, []byte(".\n"))) {
				return tooBig, nil
			}
			chunk = chunk[1:]
		}
		lineStart = complete

		n += int64(len(chunk))
		if n > max {
			tooBig = true
		}
		if !tooBig {
			w.Write(chunk)
		}
	}
}

func handleData(s *session, _ *command) {
	// envelope is ready for data
	if err := s.envelope.BeginData(); err != nil {
		s.Out(mail.Codes.FailNoRecipients)
		return
	}
	s.state = stateReceivingData
	s.Out(mail.Codes.SuccessDataCmd)
	if s.state == stateClosed {
		return
	}

	// set data input time limit
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.limits.MsgInput))
	tooBig, err := s.readData(s.envelope, s.cfg.limits.MsgSize)
	if err != nil {
		// nothing was committed, the transaction is dropped with the connection
		s.log.Info("data read", zap.Int64("received", s.envelope.Len()), zap.Error(err))
		s.envelope.Reset()
		s.close()
		return
	}

	// reading ended by reaching maximum size
	if tooBig {
		s.emit(events.Event{
			Kind:   events.Rejected,
			From:   string(s.envelope.MailFrom),
			To:     mail.Strings(s.envelope.MailTo),
			Phase:  events.PhaseData,
			Code:   552,
			Reason: "message too big",
		})
		s.Out(mail.Codes.FailTooBig)
		s.resetTransaction()
		return
	}

	s.commit()
	s.resetTransaction()
}

// commit checks the received message, then hands it to the store and the relay queue
func (s *session) commit() {
	id, err := gonanoid.Nanoid()
	if err != nil {
		panic(err)
	}
	now := time.Now()

	/*
		When forwarding a message into or out of the Internet environment, a
		gateway MUST prepend a Received: line, but it MUST NOT alter in any
		way a Received: line that is already in the header section.
	*/
	s.envelope.Headers = s.receivedHeader(id, now)
	data := s.envelope.Data.Bytes()
	if !mail.NewMessage(id, "", nil, data, now).HasHeader("Message-ID") {
		s.envelope.Headers = append(s.envelope.Headers, messageIDHeader(id, s.cfg.cfg.Server.Hostname)...)
	}
	msg := s.envelope.Message(id, now)
	log := s.log.With(zap.String("message_id", id))

	if v := s.checkContent(msg); !v.Allowed {
		log.Info("message rejected", zap.Stringer("verdict", v))
		s.emit(events.Event{
			Kind:      events.Rejected,
			MessageID: id,
			From:      string(msg.From),
			To:        mail.Strings(msg.To),
			Phase:     events.PhaseContent,
			Code:      550,
			Reason:    v.String(),
			Size:      msg.Size(),
		})
		s.Out(mail.Codes.FailContentRejected)
		return
	}

	local, remote := s.route(msg.To)
	var receipt *store.Receipt
	if len(local) > 0 {
		r, err := s.srv.store.Persist(s.ctx, msg.WithRecipients(local))
		if err != nil {
			s.commitFailed(log, "store", err)
			return
		}
		receipt = &r
	}
	if len(remote) > 0 {
		var rcpts []mail.Address
		for _, d := range remote {
			rcpts = append(rcpts, d.Recipients...)
		}
		if _, err := s.srv.queue.Enqueue(s.ctx, msg.WithRecipients(rcpts), remote...); err != nil {
			if receipt != nil {
				if derr := s.srv.store.Discard(*receipt); derr != nil {
					log.Error("discard stored copy", zap.String("path", receipt.Path), zap.Error(derr))
				}
			}
			s.commitFailed(log, "queue", err)
			return
		}
	}

	s.emit(events.Event{
		Kind:      events.Accepted,
		MessageID: id,
		From:      string(msg.From),
		To:        mail.Strings(msg.To),
		Size:      msg.Size(),
	})
	if receipt != nil {
		s.emit(events.Event{Kind: events.Stored, MessageID: id, To: mail.Strings(local), Receipt: receipt})
	}
	for _, d := range remote {
		s.emit(events.Event{Kind: events.Queued, MessageID: id, To: mail.Strings(d.Recipients), Domain: d.Domain})
	}
	log.Info("message accepted", zap.Int("local", len(local)), zap.Int("remote_domains", len(remote)), zap.Int64("size", msg.Size()))
	s.Out(fmt.Sprintf("%v %s", mail.Codes.SuccessMessageQueued, id))
}

func (s *session) commitFailed(log *zap.Logger, backend string, err error) {
	log.Error("commit failed", zap.String("backend", backend), zap.Error(err))
	if isTemporary(err) {
		s.Out(mail.Codes.ErrorStorage)
		return
	}
	s.Out(mail.Codes.FailBackendTransaction)
}

func (s *session) checkContent(msg *mail.Message) policy.Verdict {
	if v := s.cfg.rules.CheckContent(msg); !v.Allowed {
		return v
	}
	return s.srv.heuristics.Check(s.ctx, policy.Input{
		IP:      s.remoteIP,
		Helo:    s.helloHost,
		From:    msg.From,
		Message: msg,
	})
}

// route splits recipients into local ones and one destination per remote
// domain, keeping the order in which they were accepted
func (s *session) route(rcpts []mail.Address) (local []mail.Address, remote []queue.Destination) {
	index := make(map[string]int)
	for _, r := range rcpts {
		domain := r.Hostname()
		if s.cfg.cfg.IsLocalDomain(domain) {
			local = append(local, r)
			continue
		}
		i, ok := index[domain]
		if !ok {
			i = len(remote)
			index[domain] = i
			remote = append(remote, queue.Destination{Domain: domain})
		}
		remote[i].Recipients = append(remote[i].Recipients, r)
	}
	return local, remote
}
