package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"storj.io/common/uuid"
)

// Authorization header schemes.
const (
	SchemeToken  = "Token"
	SchemeWorker = "Worker"
)

// UserTokenSecret is a freshly generated login secret together with its
// stored hash.
type UserTokenSecret struct {
	Salt []byte
	Hash []byte

	secret string
}

// NewUserTokenSecret generates 32 random bytes of token secret and hashes
// them for storage.
func NewUserTokenSecret() (_ UserTokenSecret, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return UserTokenSecret{}, Error.Wrap(err)
	}
	secret := base64.StdEncoding.EncodeToString(raw)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return UserTokenSecret{}, Error.Wrap(err)
	}
	hash, err := hashTokenSecret(secret, salt)
	if err != nil {
		return UserTokenSecret{}, err
	}
	return UserTokenSecret{Salt: salt, Hash: hash, secret: secret}, nil
}

// WireToken encodes the token as presented to the client:
// base64(user_id ":" secret).
func (t UserTokenSecret) WireToken(userID uuid.UUID) string {
	return base64.StdEncoding.EncodeToString([]byte(userID.String() + ":" + t.secret))
}

// ParseUserToken splits a wire token into the token owner's id and the
// cleartext secret. It fails with ErrBadToken on malformed input.
func ParseUserToken(wire string) (userID uuid.UUID, secret string, err error) {
	decoded, err := base64.StdEncoding.DecodeString(wire)
	if err != nil {
		return uuid.UUID{}, "", ErrBadToken.New("invalid base64")
	}
	id, secret, found := strings.Cut(string(decoded), ":")
	if !found {
		return uuid.UUID{}, "", ErrBadToken.New("missing delimiter")
	}
	userID, err = uuid.FromString(id)
	if err != nil {
		return uuid.UUID{}, "", ErrBadToken.New("invalid user id")
	}
	return userID, secret, nil
}

// VerifyUserTokenSecret reports whether secret matches the stored salt and
// hash. The comparison is constant time.
func VerifyUserTokenSecret(salt, hash []byte, secret string) bool {
	return verifyTokenSecret(salt, hash, secret)
}

// NewShareTokenSecret generates the cleartext secret of a share token.
func NewShareTokenSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", Error.Wrap(err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// ConstantTimeEquals compares two secrets without leaking their length
// difference through timing.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ParseAuthorization splits an Authorization header into scheme and value.
func ParseAuthorization(header string) (scheme, value string, err error) {
	scheme, value, found := strings.Cut(header, " ")
	if !found || scheme == "" || value == "" {
		return "", "", ErrUnauthorized.New("malformed authorization header")
	}
	return scheme, value, nil
}
