package mta

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"
	"github.com/signalsciences/tlstext"
)

const (
	maxCommandLineLength = 512   // including CRLF, RFC 5321 4.5.3.1.4
	maxAuthLineLength    = 12288 // RFC 4954 4
)

func tlsVersionString(conn *tls.ConnectionState) string {
	return tlstext.VersionFromConnection(conn)
}

func tlsCipherSuiteString(conn *tls.ConnectionState) string {
	return tlstext.CipherSuiteFromConnection(conn)
}

func tlsInfo(conn *tls.ConnectionState) string {
	return fmt.Sprintf("(using %s with cipher %s)", tlsVersionString(conn), tlsCipherSuiteString(conn))
}

// removeBrackets removes trailing and ending brackets (<string> -> string)
func removeBrackets(s string) string {
	if strings.HasPrefix(s, "<") {
		s = s[1:]
	}
	if strings.HasSuffix(s, ">") {
		s = s[0 : len(s)-1]
	}
	return s
}

// remoteIP extracts IP of the remote end of conn, nil if not an IP address
func remoteIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// isTemporary reports whether err, or an error it wraps, is marked temporary.
// Cancelled operations are retryable as well.
func isTemporary(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}

func stringInSlice(a string, list []string) bool {
	for _, b := range list {
		if strings.EqualFold(b, a) {
			return true
		}
	}
	return false
}
