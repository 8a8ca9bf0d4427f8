package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/auth"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
)

// Subprotocols STOMP over WebSocket 协商的子协议, 优先级从高到低
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		HandshakeTimeout: s.handshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		Subprotocols:     Subprotocols,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// WebSocketHandler upgrades requests and runs a STOMP session over the socket.
func (s *Server) WebSocketHandler() http.Handler {
	upgrader := s.upgrader()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := ""
		if r.TLS != nil {
			p, err := s.adapter.Identify(*r.TLS)
			if err != nil {
				var authErr *auth.AuthError
				if errors.As(err, &authErr) {
					logger.WarnF("[%s] Client certificate rejected: %v", r.RemoteAddr, err)
				}
				http.Error(w, "client certificate rejected", http.StatusUnauthorized)
				return
			}
			principal = p
		}

		if s.ctx.Err() != nil {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		select {
		case s.sem <- struct{}{}:
		default:
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		defer func() { <-s.sem }()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade 已经写回了错误响应
			logger.WarnF("[%s] WebSocket upgrade failed: %v", r.RemoteAddr, err)
			return
		}
		logger.DebugF("Accepted new websocket connection from %s (%s)", r.RemoteAddr, ws.Subprotocol())

		s.wg.Add(1)
		defer s.wg.Done()
		s.serve(newWSConn(ws), principal)
	})
}

func (s *Server) startWebSocket() error {
	path := s.cfg.Server.WebSocketPath
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.Handle(path, s.WebSocketHandler())

	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.WebSocketPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	scheme := "ws"
	if s.adapter.Enabled() {
		ln = tls.NewListener(ln, s.adapter.Config())
		scheme = "wss"
	}
	s.wsLn = ln
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: s.handshakeTimeout,
	}
	logger.InfoF("STOMP WebSocket Listen On %s://%s%s", scheme, ln.Addr().String(), path)

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorF("WebSocket server stopped: %v", err)
		}
	}()
	return nil
}

// wsConn presents a WebSocket as a byte stream. Frames may span messages and one
// message may carry several frames, the STOMP reader copes with both.
type wsConn struct {
	*websocket.Conn
	reader io.Reader
	wmu    sync.Mutex
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{Conn: c}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			typ, r, err := c.Conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	typ := websocket.TextMessage
	if !utf8.Valid(p) {
		typ = websocket.BinaryMessage
	}
	if err := c.Conn.WriteMessage(typ, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) SetDeadline(t time.Time) error {
	return errors.Join(c.Conn.SetReadDeadline(t), c.Conn.SetWriteDeadline(t))
}
