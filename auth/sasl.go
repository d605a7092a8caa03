package auth

import (
	"encoding/base64"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/pkg/errors"
)

// Supported authentication mechanisms
const (
	MechanismPlain = sasl.Plain
	MechanismLogin = sasl.Login
)

var (
	// ErrMalformed is returned when the client response can't be decoded
	ErrMalformed = errors.New("malformed auth input")
	// ErrCancelled is returned when the client cancels the exchange with "*"
	ErrCancelled = errors.New("authentication cancelled")
)

// SupportedMechanisms lists all implemented mechanisms
var SupportedMechanisms = []string{MechanismPlain, MechanismLogin}

// Supported reports whether mechanism is implemented
func Supported(mechanism string) bool {
	for _, m := range SupportedMechanisms {
		if strings.EqualFold(m, mechanism) {
			return true
		}
	}
	return false
}

// DecodeResponse decodes a base64 client response of the AUTH exchange, "*" cancels it
func DecodeResponse(line string) ([]byte, error) {
	line = strings.TrimSpace(line)
	if line == "*" {
		return nil, ErrCancelled
	}
	data, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return nil, ErrMalformed
	}
	return data, nil
}
