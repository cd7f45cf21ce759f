// Package signeddownload issues short-lived tokens granting the download of
// one recorded file without a login.
package signeddownload

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const (
	DefaultExpireAfter = time.Hour
	MaxExpireAfter     = 7 * 24 * time.Hour
	issuer             = "splitrec-download"
)

var ErrInvalidToken = errors.New("invalid download token")

type Signer struct {
	secret []byte
	now    func() time.Time
}

type Claims struct {
	// slash separated, relative to the output directory
	Path string `json:"path"`
	jwt.RegisteredClaims
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Sign grants path for ttl, clamped to MaxExpireAfter.
func (s *Signer) Sign(path string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = DefaultExpireAfter
	}
	ttl = min(ttl, MaxExpireAfter)
	now := s.now()
	exp := now.Add(ttl)
	claims := Claims{
		Path: path,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return token, exp, err
}

// Verify returns the path granted by token.
func (s *Signer) Verify(token string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}
	if claims.Path == "" {
		return "", errors.Wrap(ErrInvalidToken, "no path")
	}
	return claims.Path, nil
}
