// Package auth holds the credential store consulted by AUTH and the SASL
// decoding helpers for the PLAIN and LOGIN mechanisms.
package auth

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for unknown identities and wrong secrets alike
var ErrInvalidCredentials = errors.New("invalid credentials")

// Credential is an identity with its bcrypt hashed secret
type Credential struct {
	Identity string
	Hash     []byte
}

// Store is an immutable identity to hashed secret lookup
type Store struct {
	creds map[string][]byte
}

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// NewStore creates store from given credentials, later duplicates win
func NewStore(creds ...Credential) *Store {
	s := &Store{creds: make(map[string][]byte, len(creds))}
	for _, c := range creds {
		h := make([]byte, len(c.Hash))
		copy(h, c.Hash)
		s.creds[c.Identity] = h
	}
	return s
}

// HashSecret hashes secret with bcrypt, cost 0 means bcrypt.DefaultCost
func HashSecret(secret []byte, cost int) ([]byte, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword(secret, cost)
	if err != nil {
		return nil, errors.WithMessage(err, "bcrypt.GenerateFromPassword")
	}
	return h, nil
}

// Verify checks identity and secret. Unknown identities still pay for a
// bcrypt comparison so both failures take comparable time.
func (s *Store) Verify(identity string, secret []byte) error {
	hash, ok := s.creds[identity]
	if !ok {
		dummyOnce.Do(func() {
			dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy secret"), bcrypt.DefaultCost)
		})
		bcrypt.CompareHashAndPassword(dummyHash, secret)
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, secret); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Has reports whether identity is registered
func (s *Store) Has(identity string) bool {
	_, ok := s.creds[identity]
	return ok
}

// Len returns number of registered identities
func (s *Store) Len() int {
	return len(s.creds)
}
