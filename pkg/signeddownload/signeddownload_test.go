package signeddownload_test

import (
	"testing"
	"time"

	"github.com/eric2788/splitrec/pkg/signeddownload"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	signer := signeddownload.NewSigner([]byte("my_secret_key"))

	token, exp, err := signer.Sign("live/take ps1.mp4", 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(signeddownload.DefaultExpireAfter), exp, 2*time.Second)

	path, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "live/take ps1.mp4", path)

	_, exp, err = signer.Sign("a.mp4", 30*24*time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(signeddownload.MaxExpireAfter), exp, 2*time.Second)
}

func TestVerify_Rejects(t *testing.T) {
	signer := signeddownload.NewSigner([]byte("my_secret_key"))
	token, _, err := signeddownload.NewSigner([]byte("other")).Sign("a.mp4", time.Minute)
	require.NoError(t, err)
	_, err = signer.Verify(token)
	assert.ErrorIs(t, err, signeddownload.ErrInvalidToken)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, signeddownload.Claims{
		Path: "a.mp4",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "splitrec-download",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte("my_secret_key"))
	require.NoError(t, err)
	_, err = signer.Verify(expired)
	assert.ErrorIs(t, err, signeddownload.ErrInvalidToken)

	// a login token is not a download token
	login, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "splitrec",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("my_secret_key"))
	require.NoError(t, err)
	_, err = signer.Verify(login)
	assert.ErrorIs(t, err, signeddownload.ErrInvalidToken)

	_, err = signer.Verify("garbage")
	assert.ErrorIs(t, err, signeddownload.ErrInvalidToken)
}
