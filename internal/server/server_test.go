package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/stomp"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/tlsconn/tlstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.CloseGrace = "200ms"
	cfg.Server.HandshakeTimeout = "2s"
	cfg.TLS.Enabled = false
	cfg.Heartbeat.Send = "0"
	cfg.Heartbeat.Receive = "0"
	cfg.Auth.AllowAnonymous = true
	return &cfg
}

func startServer(t *testing.T, cfg *config.Config, opts Options) *Server {
	t.Helper()
	srv, err := NewServer(cfg, opts)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *stomp.Reader
}

func newClient(t *testing.T, conn net.Conn) *client {
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn, r: stomp.NewReader(conn, stomp.DefaultLimits)}
}

func (c *client) send(command stomp.Command, headers ...string) {
	c.t.Helper()
	c.sendFrame(stomp.NewFrame(command, headers...))
}

func (c *client) sendFrame(f *stomp.Frame) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := c.conn.Write(stomp.Encode(f))
	require.NoError(c.t, err)
}

func (c *client) expect(cmd stomp.Command) *stomp.Frame {
	c.t.Helper()
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		f, err := c.r.ReadFrame()
		require.NoError(c.t, err)
		if f == nil {
			continue
		}
		require.Equal(c.t, cmd, f.Command(), "got %s frame %v", f.Command(), f.Headers)
		return f
	}
}

func (c *client) connect(headers ...string) *stomp.Frame {
	c.t.Helper()
	c.send(stomp.CONNECT, append([]string{stomp.HeaderAcceptVersion, "1.2", stomp.HeaderHost, "localhost"}, headers...)...)
	return c.expect(stomp.CONNECTED)
}

func waitForCount(t *testing.T, srv *Server, want int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return srv.Connections().Count() == want
	}, 3*time.Second, 10*time.Millisecond)
}

func mutualTLSConfig(t *testing.T, ca *tlstest.Authority) *config.Config {
	t.Helper()
	certFile, keyFile, caFile := ca.WriteFiles(t, t.TempDir(), ca.Server(t))
	cfg := testConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.CertFile = certFile
	cfg.TLS.KeyFile = keyFile
	cfg.TLS.CAFile = caFile
	cfg.TLS.ClientAuth = "required"
	cfg.Auth.AllowAnonymous = false
	return cfg
}

func TestMutualTLSPublishSubscribe(t *testing.T) {
	ca := tlstest.NewAuthority(t)
	store := database.NewMemoryStore(16)
	recorder := database.NewAsyncRecorder(store, 64)
	srv := startServer(t, mutualTLSConfig(t, ca), Options{Recorder: recorder})
	addr := srv.Addr().String()

	dialAs := func(cn string) *client {
		conn, err := tls.Dial("tcp", addr, ca.ClientConfig(ca.Client(t, cn)))
		require.NoError(t, err)
		return newClient(t, conn)
	}

	consumer := dialAs("consumer")
	connected := consumer.connect()
	assert.Equal(t, "1.2", connected.Value(stomp.HeaderVersion))
	assert.True(t, strings.HasPrefix(connected.Value(stomp.HeaderServer), "life-stream-stomp/"))
	consumer.send(stomp.SUBSCRIBE, stomp.HeaderID, "0", stomp.HeaderDestination, "/topic/a", stomp.HeaderReceipt, "sub-0")
	assert.Equal(t, "sub-0", consumer.expect(stomp.RECEIPT).Value(stomp.HeaderReceiptID))

	producer := dialAs("producer")
	producer.connect(stomp.HeaderLogin, "producer")
	producer.sendFrame(stomp.NewFrame(stomp.SEND, stomp.HeaderDestination, "/topic/a").WithBody([]byte("hello")))

	msg := consumer.expect(stomp.MESSAGE)
	assert.Equal(t, "/topic/a", msg.Value(stomp.HeaderDestination))
	assert.Equal(t, "0", msg.Value(stomp.HeaderSubscription))
	assert.Equal(t, "hello", string(msg.Body))
	assert.Equal(t, 2, srv.Connections().Count())

	consumer.send(stomp.DISCONNECT, stomp.HeaderReceipt, "bye")
	assert.Equal(t, "bye", consumer.expect(stomp.RECEIPT).Value(stomp.HeaderReceiptID))
	waitForCount(t, srv, 1)
	assert.Equal(t, 0, srv.Registry().Count("/topic/a"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, recorder.Invoke(ctx))

	assert.Equal(t, 2, store.Len())
	record, err := store.GetSession(ctx, connected.Value(stomp.HeaderSession))
	require.NoError(t, err)
	assert.Equal(t, "consumer", record.Principal)
	assert.False(t, record.ClosedAt.IsZero())
}

func TestMissingClientCertificateCreatesNoSession(t *testing.T) {
	ca := tlstest.NewAuthority(t)
	srv := startServer(t, mutualTLSConfig(t, ca), Options{})

	conn, err := tls.Dial("tcp", srv.Addr().String(), ca.ClientConfig(nil))
	if err == nil {
		// TLS 1.3 reports the rejected certificate on the first read
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = conn.Read(make([]byte, 1))
	}
	assert.Error(t, err)
	assert.Equal(t, 0, srv.Connections().Count())
}

func TestLoginMismatchWithCertificate(t *testing.T) {
	ca := tlstest.NewAuthority(t)
	srv := startServer(t, mutualTLSConfig(t, ca), Options{})

	conn, err := tls.Dial("tcp", srv.Addr().String(), ca.ClientConfig(ca.Client(t, "carol")))
	require.NoError(t, err)
	c := newClient(t, conn)
	c.send(stomp.CONNECT, stomp.HeaderAcceptVersion, "1.2", stomp.HeaderLogin, "dave")
	assert.Equal(t, "authentication failed", c.expect(stomp.ERROR).Value(stomp.HeaderMessage))
	waitForCount(t, srv, 0)
}

func TestShutdownClosesSessions(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv, err := NewServer(testConfig(), Options{})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	c := newClient(t, conn)
	c.connect()
	waitForCount(t, srv, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	assert.Equal(t, "server shutting down", c.expect(stomp.ERROR).Value(stomp.HeaderMessage))
	assert.Equal(t, 0, srv.Connections().Count())

	_, err = net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	assert.Error(t, err)
	assert.ErrorIs(t, srv.Start(), ErrServerClosed)
	_ = conn.Close()
}

func TestConnectionLimitQueuesExtraClients(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxConnections = 1
	srv := startServer(t, cfg, Options{})

	first, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	a := newClient(t, first)
	a.connect()

	second, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	b := newClient(t, second)
	b.send(stomp.CONNECT, stomp.HeaderAcceptVersion, "1.2")

	// the second client is served once the first one leaves
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.Connections().Count())
	a.send(stomp.DISCONNECT)
	b.expect(stomp.CONNECTED)
}

func TestWebSocketSession(t *testing.T) {
	srv, err := NewServer(testConfig(), Options{})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.WebSocketHandler())
	defer ts.Close()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	dialer := websocket.Dialer{Subprotocols: []string{"v12.stomp"}, HandshakeTimeout: 2 * time.Second}
	ws, resp, err := dialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "v12.stomp", ws.Subprotocol())

	c := newClient(t, newWSConn(ws))
	c.connect()
	c.send(stomp.SUBSCRIBE, stomp.HeaderID, "s1", stomp.HeaderDestination, "/queue/ws")
	c.sendFrame(stomp.NewFrame(stomp.SEND, stomp.HeaderDestination, "/queue/ws", stomp.HeaderReceipt, "r1").WithBody([]byte("over websocket")))

	assert.Equal(t, "r1", c.expect(stomp.RECEIPT).Value(stomp.HeaderReceiptID))
	msg := c.expect(stomp.MESSAGE)
	assert.Equal(t, "over websocket", string(msg.Body))

	c.send(stomp.DISCONNECT)
	waitForCount(t, srv, 0)
}

func TestNewServerRejectsBadTLSFiles(t *testing.T) {
	cfg := testConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.CertFile = "missing.pem"
	cfg.TLS.KeyFile = "missing-key.pem"
	_, err := NewServer(cfg, Options{})
	assert.Error(t, err)
}

func TestUsers(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Users = []config.User{{Login: "alice", PasswordHash: "hash-a"}, {Login: "bob", PasswordHash: "hash-b"}}
	assert.Equal(t, map[string]string{"alice": "hash-a", "bob": "hash-b"}, Users(cfg))
}
