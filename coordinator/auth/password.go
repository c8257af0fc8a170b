// Package auth implements credentials and per-document authorization for the
// coordinator: password hashing, user tokens, worker tokens, share tokens and
// the api token used for worker management.
package auth

import (
	"crypto/hmac"
	"crypto/rand"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"golang.org/x/crypto/scrypt"
)

var (
	mon = monkit.Package()

	// Error is the default auth errs class.
	Error = errs.Class("auth")

	// ErrUnauthorized is returned for missing or unrecognized credentials.
	ErrUnauthorized = errs.Class("unauthorized")
	// ErrBadToken is returned for credentials that cannot even be parsed.
	ErrBadToken = errs.Class("invalid token")
	// ErrForbidden is returned when credentials parse but do not confer the
	// required access.
	ErrForbidden = errs.Class("forbidden")
)

const (
	saltSize = 16
	keySize  = 32

	// passwordN is the scrypt cost for user passwords.
	passwordN = 1 << 14
	// tokenN is the scrypt cost for token secrets. Token secrets are 32
	// random bytes, so a lighter parameter is enough.
	tokenN = 1 << 5

	scryptR = 8
	scryptP = 1
)

// HashPassword derives a hash from password with a fresh random salt.
func HashPassword(password string) (salt, hash []byte, err error) {
	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, Error.Wrap(err)
	}
	hash, err = scrypt.Key([]byte(password), salt, passwordN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	return salt, hash, nil
}

// VerifyPassword reports whether password matches the stored salt and hash.
// The comparison is constant time.
func VerifyPassword(salt, hash []byte, password string) bool {
	derived, err := scrypt.Key([]byte(password), salt, passwordN, scryptR, scryptP, keySize)
	if err != nil {
		return false
	}
	return hmac.Equal(hash, derived)
}

func hashTokenSecret(secret string, salt []byte) ([]byte, error) {
	hash, err := scrypt.Key([]byte(secret), salt, tokenN, scryptR, scryptP, keySize)
	return hash, Error.Wrap(err)
}

func verifyTokenSecret(salt, hash []byte, secret string) bool {
	derived, err := hashTokenSecret(secret, salt)
	if err != nil {
		return false
	}
	return hmac.Equal(hash, derived)
}
