// Package auth 实现了CONNECT帧的登录校验, 支持用户名密码, JWT 以及客户端证书身份
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/bcrypt"
)

// AuthError means the peer's identity could not be established.
type AuthError struct {
	Login  string
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Login == "" {
		return "authentication failed: " + e.Reason
	}
	return fmt.Sprintf("authentication failed for %q: %s", e.Login, e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Credentials 来自 CONNECT 帧和 TLS 握手的身份信息
type Credentials struct {
	Login         string
	Passcode      string
	CertPrincipal string // verified client certificate identity, empty without mTLS
}

type Options struct {
	Users          map[string]string // login -> bcrypt hash
	AllowAnonymous bool
	AnonymousLogin string
	CertLogin      bool // accept the certificate identity as the login
	JWTSecret      string
	CacheSize      int
}

type Authenticator struct {
	opts  Options
	cache *lru.Cache[string, struct{}]
}

func New(opts Options) (*Authenticator, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.AnonymousLogin == "" {
		opts.AnonymousLogin = "guest"
	}
	cache, err := lru.New[string, struct{}](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create credential cache: %w", err)
	}
	return &Authenticator{opts: opts, cache: cache}, nil
}

// Authenticate returns the principal the session runs as.
func (a *Authenticator) Authenticate(c Credentials) (string, error) {
	if c.CertPrincipal != "" && a.opts.CertLogin {
		if c.Login != "" && c.Login != c.CertPrincipal {
			return "", &AuthError{Login: c.Login, Reason: "login does not match certificate identity " + c.CertPrincipal}
		}
		return c.CertPrincipal, nil
	}

	if c.Login == "" && c.Passcode == "" {
		if a.opts.AllowAnonymous {
			return a.opts.AnonymousLogin, nil
		}
		return "", &AuthError{Reason: "credentials required"}
	}

	if a.opts.JWTSecret != "" && looksLikeJWT(c.Passcode) {
		return a.verifyToken(c)
	}
	return a.verifyPassword(c)
}

func looksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2
}

func (a *Authenticator) verifyToken(c Credentials) (string, error) {
	token, err := jwt.Parse(c.Passcode, func(token *jwt.Token) (any, error) {
		return []byte(a.opts.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !token.Valid {
		return "", &AuthError{Login: c.Login, Reason: "invalid token", Err: err}
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", &AuthError{Login: c.Login, Reason: "token has no subject", Err: err}
	}
	if c.Login != "" && c.Login != subject {
		return "", &AuthError{Login: c.Login, Reason: "token subject does not match login"}
	}
	return subject, nil
}

func (a *Authenticator) verifyPassword(c Credentials) (string, error) {
	hash, ok := a.opts.Users[c.Login]
	if !ok {
		return "", &AuthError{Login: c.Login, Reason: "unknown user"}
	}
	key := cacheKey(c.Login, hash, c.Passcode)
	if _, ok := a.cache.Get(key); ok {
		return c.Login, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(c.Passcode)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return "", &AuthError{Login: c.Login, Reason: "wrong passcode"}
		}
		return "", &AuthError{Login: c.Login, Reason: "stored hash unusable", Err: err}
	}
	a.cache.Add(key, struct{}{})
	return c.Login, nil
}

// cacheKey never holds the passcode itself. The stored hash is part of the key so a
// changed password invalidates old entries.
func cacheKey(login, hash, passcode string) string {
	sum := sha256.Sum256([]byte(login + "\x00" + hash + "\x00" + passcode))
	return hex.EncodeToString(sum[:])
}

// HashPassword produces a bcrypt hash for the users section of the config.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
