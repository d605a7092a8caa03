package mta

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/matoous/gosmtpd/mail"
)

// receivedHeader builds the trace header of RFC 5321 4.4, no DNS lookups are made
func (s *session) receivedHeader(id string, at time.Time) []byte {
	/*
		"Received:" header fields of messages originating from other
		environments may not conform exactly to this specification.  However,
		the most important use of Received: lines is for debugging mail
		faults, and this debugging can be severely hampered by well-meaning
		gateways that try to "fix" a Received: line.
	*/
	remoteHost, remotePort, _ := net.SplitHostPort(s.conn.RemoteAddr().String())
	localHost, _, _ := net.SplitHostPort(s.conn.LocalAddr().String())

	helo := s.helloHost
	if helo == "" {
		helo = "unknown"
	}

	receivedHeader := bytes.NewBufferString("Received: from ")

	// host and IP
	receivedHeader.WriteString(helo)
	receivedHeader.WriteString(" (")
	receivedHeader.WriteString(remoteHost)
	receivedHeader.WriteByte(':')
	receivedHeader.WriteString(remotePort)

	// authenticated
	if len(s.authenticatedUser) != 0 {
		receivedHeader.WriteString(" authenticated as ")
		receivedHeader.WriteString(s.authenticatedUser)
	}
	receivedHeader.WriteString(") ")

	// TLS
	if s.tls {
		receivedHeader.WriteString(tlsInfo(&s.tlsState))
		receivedHeader.WriteByte(' ')
	}

	// local
	receivedHeader.WriteString("by ")
	receivedHeader.WriteString(s.cfg.cfg.Server.Hostname)
	receivedHeader.WriteString(" (")
	receivedHeader.WriteString(localHost)
	receivedHeader.WriteByte(')')

	// proto, RFC 3848
	proto := "SMTP"
	if s.helloType == ehloCmd {
		proto = "ESMTP"
	}
	if s.tls {
		proto += "S"
	}
	if s.authenticated {
		proto += "A"
	}
	receivedHeader.WriteString(" with ")
	receivedHeader.WriteString(proto)
	receivedHeader.WriteString(" (")
	receivedHeader.WriteString(s.cfg.cfg.Server.SftName)
	receivedHeader.WriteByte(' ')
	receivedHeader.WriteString(s.cfg.cfg.Server.SftVersion)
	receivedHeader.WriteString(") id ")
	receivedHeader.WriteString(id)

	// single recipient is disclosed, RFC 5321 4.4
	if len(s.envelope.MailTo) == 1 {
		receivedHeader.WriteString(" for <")
		receivedHeader.WriteString(s.envelope.MailTo[0].Email())
		receivedHeader.WriteByte('>')
	}

	// timestamp
	receivedHeader.WriteString("; ")
	receivedHeader.WriteString(at.Format(time.RFC1123Z))

	header := receivedHeader.Bytes()

	// fold header
	mail.FoldHeader(&header)
	return append(header, '\r', '\n')
}

func messageIDHeader(id, hostname string) []byte {
	return []byte(fmt.Sprintf("Message-ID: <%s@%s>\r\n", id, hostname))
}
