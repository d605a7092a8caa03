package mail

import (
	"errors"
	"strings"
)

// Address is an envelope address as given in MAIL FROM or RCPT TO, without angle brackets.
// The null reverse-path is the empty Address.
type Address string

// email address size limits
const (
	maxEmailLength      = 256 // max full email address length
	maxLocalPartLength  = 64  // max length of user/local part of email address as per https://tools.ietf.org/html/rfc5321#section-4.5.3.1.1
	maxDomainPartLength = 255 // max length of domain part of email address https://tools.ietf.org/html/rfc5321#section-4.5.3.1.2
)

// Address validation errors
var (
	ErrInvalidFormat    = errors.New("invalid address format")
	ErrAddressTooLong   = errors.New("address must be shorter than 257 characters")
	ErrLocalPartTooLong = errors.New("local part must be shorter than 65 characters")
	ErrDomainTooLong    = errors.New("domain part must be shorter than 256 characters")
)

// IsNull reports whether a is the null reverse-path (<>)
func (a Address) IsNull() bool {
	return a == ""
}

// ValidFormat checks if email is of valid format
func (a Address) ValidFormat() bool {
	e := string(a)
	idx := strings.LastIndex(e, "@")
	if idx <= 0 || idx == len(e)-1 {
		return false
	}
	if strings.ContainsAny(e, " \t\r\n<>") {
		return false
	}
	return !strings.Contains(e[idx+1:], "..")
}

// Email returns whole email address, lower cased domain
func (a Address) Email() string {
	if a.Hostname() == "" {
		return a.User()
	}
	return a.User() + "@" + a.Hostname()
}

// Hostname returns the domain of the email address in lower case
func (a Address) Hostname() string {
	e := string(a)
	if idx := strings.LastIndex(e, "@"); idx != -1 {
		return strings.ToLower(strings.TrimSuffix(e[idx+1:], "."))
	}
	return ""
}

// User returns the local part of email address
func (a Address) User() string {
	e := string(a)
	if idx := strings.LastIndex(e, "@"); idx != -1 {
		return e[:idx]
	}
	return e
}

// Validate validates given email address, checks size and format.
// The null address is valid.
func (a Address) Validate() error {
	if a.IsNull() {
		return nil
	}
	if !a.ValidFormat() {
		return ErrInvalidFormat
	}
	if len(a) > maxEmailLength {
		return ErrAddressTooLong
	}
	if len(a.User()) > maxLocalPartLength {
		return ErrLocalPartTooLong
	}
	if len(a.Hostname()) > maxDomainPartLength {
		return ErrDomainTooLong
	}
	return nil
}

// Strings converts addresses to plain strings
func Strings(addrs []Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = string(a)
	}
	return out
}
