// Package tlsconn 实现了TLS握手与客户端证书身份提取
package tlsconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/auth"
)

type ClientAuth string

const (
	ClientAuthNone     ClientAuth = "none"
	ClientAuthOptional ClientAuth = "optional"
	ClientAuthRequired ClientAuth = "required"
)

type PrincipalSource string

const (
	FromCommonName        PrincipalSource = "common_name"
	FromDistinguishedName PrincipalSource = "distinguished_name"
	FromSubjectAltName    PrincipalSource = "subject_alternative_name"
)

type Options struct {
	CertFile      string
	KeyFile       string
	CAFile        string
	ClientAuth    ClientAuth
	PrincipalFrom PrincipalSource
}

func (o Options) clientAuth() ClientAuth {
	if o.ClientAuth == "" {
		return ClientAuthNone
	}
	return o.ClientAuth
}

// NewServerConfig builds the listener's TLS configuration.
func NewServerConfig(opts Options) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	switch opts.clientAuth() {
	case ClientAuthNone:
		cfg.ClientAuth = tls.NoClientCert
		return cfg, nil
	case ClientAuthOptional:
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	case ClientAuthRequired:
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return nil, fmt.Errorf("unknown client auth mode %q", opts.ClientAuth)
	}

	pem, err := os.ReadFile(opts.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", opts.CAFile)
	}
	cfg.ClientCAs = pool
	return cfg, nil
}

// HandshakeError means TLS could not be established. The connection is already closed.
type HandshakeError struct {
	Remote string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tls handshake with %s failed: %v", e.Remote, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Conn is a handshaken connection carrying the peer's verified identity.
type Conn struct {
	net.Conn
	principal string
	state     *tls.ConnectionState
}

// Principal is the identity taken from the client certificate, empty when none was
// presented.
func (c *Conn) Principal() string {
	return c.principal
}

// ConnectionState is nil for plain TCP connections.
func (c *Conn) ConnectionState() *tls.ConnectionState {
	return c.state
}

// Adapter performs the server side of the handshake. A nil TLS config turns it into
// a pass-through for plain TCP.
type Adapter struct {
	config *tls.Config
	opts   Options
}

func NewAdapter(config *tls.Config, opts Options) *Adapter {
	return &Adapter{config: config, opts: opts}
}

func (a *Adapter) Enabled() bool {
	return a.config != nil
}

func (a *Adapter) Config() *tls.Config {
	return a.config
}

// Handshake negotiates TLS on raw within ctx. On any failure raw is closed and
// either a *HandshakeError or an *auth.AuthError is returned.
func (a *Adapter) Handshake(ctx context.Context, raw net.Conn) (*Conn, error) {
	if a.config == nil {
		return &Conn{Conn: raw}, nil
	}
	tc := tls.Server(raw, a.config)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, &HandshakeError{Remote: raw.RemoteAddr().String(), Err: err}
	}
	state := tc.ConnectionState()
	principal, err := a.Identify(state)
	if err != nil {
		_ = tc.Close()
		return nil, err
	}
	return &Conn{Conn: tc, principal: principal, state: &state}, nil
}

// Identify extracts the principal from a completed handshake according to the
// configured client auth mode.
func (a *Adapter) Identify(state tls.ConnectionState) (string, error) {
	mode := a.opts.clientAuth()
	if mode == ClientAuthNone {
		return "", nil
	}
	if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
		if mode == ClientAuthRequired {
			return "", &auth.AuthError{Reason: "no verified client certificate"}
		}
		return "", nil
	}
	principal, err := PrincipalOf(state.VerifiedChains[0][0], a.opts.PrincipalFrom)
	if err != nil {
		return "", &auth.AuthError{Reason: "client certificate carries no usable identity", Err: err}
	}
	return principal, nil
}

var ErrNoIdentity = errors.New("certificate has no identity for the configured source")

// PrincipalOf maps a verified leaf certificate to a login name.
func PrincipalOf(cert *x509.Certificate, from PrincipalSource) (string, error) {
	switch from {
	case "", FromCommonName:
		if cert.Subject.CommonName != "" {
			return cert.Subject.CommonName, nil
		}
	case FromDistinguishedName:
		if dn := cert.Subject.String(); dn != "" {
			return dn, nil
		}
	case FromSubjectAltName:
		if len(cert.EmailAddresses) > 0 {
			return cert.EmailAddresses[0], nil
		}
		if len(cert.DNSNames) > 0 {
			return cert.DNSNames[0], nil
		}
		if len(cert.URIs) > 0 {
			return cert.URIs[0].String(), nil
		}
	default:
		return "", fmt.Errorf("unknown principal source %q", from)
	}
	return "", ErrNoIdentity
}
