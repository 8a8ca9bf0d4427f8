package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret-key"

func newTestAuthenticator(t *testing.T, mutate func(*Options)) *Authenticator {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	opts := Options{
		Users:     map[string]string{"alice": string(hash)},
		CertLogin: true,
		JWTSecret: testSecret,
	}
	if mutate != nil {
		mutate(&opts)
	}
	a, err := New(opts)
	require.NoError(t, err)
	return a
}

func signToken(t *testing.T, subject, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestCertificatePrincipal(t *testing.T) {
	a := newTestAuthenticator(t, nil)

	principal, err := a.Authenticate(Credentials{CertPrincipal: "client-1"})
	require.NoError(t, err)
	assert.Equal(t, "client-1", principal)

	principal, err = a.Authenticate(Credentials{Login: "client-1", CertPrincipal: "client-1"})
	require.NoError(t, err)
	assert.Equal(t, "client-1", principal)

	_, err = a.Authenticate(Credentials{Login: "alice", Passcode: "s3cret", CertPrincipal: "client-1"})
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestCertificateIgnoredWithoutCertLogin(t *testing.T) {
	a := newTestAuthenticator(t, func(o *Options) { o.CertLogin = false })
	principal, err := a.Authenticate(Credentials{Login: "alice", Passcode: "s3cret", CertPrincipal: "client-1"})
	require.NoError(t, err)
	assert.Equal(t, "alice", principal)
}

func TestPasswordLogin(t *testing.T) {
	a := newTestAuthenticator(t, nil)

	principal, err := a.Authenticate(Credentials{Login: "alice", Passcode: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, "alice", principal)

	// second time is served from the cache
	principal, err = a.Authenticate(Credentials{Login: "alice", Passcode: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, "alice", principal)
	assert.Equal(t, 1, a.cache.Len())

	var authErr *AuthError
	_, err = a.Authenticate(Credentials{Login: "alice", Passcode: "wrong"})
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "wrong passcode", authErr.Reason)

	_, err = a.Authenticate(Credentials{Login: "mallory", Passcode: "s3cret"})
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "unknown user", authErr.Reason)
}

func TestAnonymous(t *testing.T) {
	a := newTestAuthenticator(t, nil)
	_, err := a.Authenticate(Credentials{})
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)

	a = newTestAuthenticator(t, func(o *Options) { o.AllowAnonymous = true })
	principal, err := a.Authenticate(Credentials{})
	require.NoError(t, err)
	assert.Equal(t, "guest", principal)
}

func TestTokenLogin(t *testing.T) {
	a := newTestAuthenticator(t, nil)

	principal, err := a.Authenticate(Credentials{Passcode: signToken(t, "bob", testSecret)})
	require.NoError(t, err)
	assert.Equal(t, "bob", principal)

	principal, err = a.Authenticate(Credentials{Login: "bob", Passcode: signToken(t, "bob", testSecret)})
	require.NoError(t, err)
	assert.Equal(t, "bob", principal)

	var authErr *AuthError
	_, err = a.Authenticate(Credentials{Login: "carol", Passcode: signToken(t, "bob", testSecret)})
	assert.ErrorAs(t, err, &authErr)

	_, err = a.Authenticate(Credentials{Passcode: signToken(t, "bob", "other-secret")})
	assert.ErrorAs(t, err, &authErr)
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("pw")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("pw")))
}
