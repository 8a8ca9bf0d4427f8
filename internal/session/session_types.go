// Package session 实现了每个STOMP连接的会话状态机
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/auth"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/heartbeat"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/stomp"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/subscription"
	"golang.org/x/time/rate"
)

// 会话状态
const (
	StateUnconnected   = "Unconnected"
	StateConnected     = "Connected"
	StateAuthenticated = "Authenticated"
	StateClosing       = "Closing"
	StateClosed        = "Closed"
)

// 状态机事件
const (
	eventHandshake = "handshake"
	eventConnect   = "connect"
	eventClose     = "close"
	eventFinish    = "finish"
)

var (
	ErrHeartbeatTimeout = errors.New("heart-beat timeout")
	ErrConnectTimeout   = errors.New("no CONNECT frame received in time")
	ErrServerShutdown   = errors.New("server shutting down")
	ErrPeerClosed       = errors.New("connection closed by peer")
	ErrSlowConsumer     = errors.New("slow consumer, too many pending messages")
)

// StateError is a frame the session cannot accept in its current state.
type StateError struct {
	State   string
	Command stomp.Command
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s frame is not allowed in state %s", e.Command, e.State)
}

// Authenticator checks CONNECT credentials, see auth.Authenticator.
type Authenticator interface {
	Authenticate(c auth.Credentials) (string, error)
}

// Options is shared by every session of a listener.
type Options struct {
	ServerName    string
	Registry      *subscription.Registry
	Monitor       *heartbeat.Monitor
	Authenticator Authenticator
	Recorder      database.Recorder
	Limits        stomp.Limits

	HeartbeatSend    time.Duration // server preference, 0 disables
	HeartbeatReceive time.Duration
	ConnectTimeout   time.Duration // 0 waits forever
	CloseGrace       time.Duration
	WriteTimeout     time.Duration
	MaxPending       int // queued deliveries before the session is dropped, 0 disables

	FrameRate  rate.Limit // inbound frames per second, 0 disables throttling
	FrameBurst int

	OnClose func(s *Session)
}

func (o *Options) withDefaults() *Options {
	c := *o
	if c.ServerName == "" {
		c.ServerName = "life-stream-stomp"
	}
	if c.Registry == nil {
		c.Registry = subscription.NewRegistry()
	}
	if c.Monitor == nil {
		c.Monitor = heartbeat.NewMonitor()
	}
	if c.Authenticator == nil {
		c.Authenticator, _ = auth.New(auth.Options{AllowAnonymous: true, CertLogin: true})
	}
	if c.Recorder == nil {
		c.Recorder = database.Discard
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = 1
	}
	return &c
}

type eventKind byte

const (
	evFrame eventKind = iota
	evReadError
	evDelivery
	evHeartbeatDue
	evHeartbeatTimeout
	evConnectTimeout
	evClose
)

// event 会话通道中的一个事件
type event struct {
	kind     eventKind
	frame    *stomp.Frame
	delivery *subscription.Delivery
	err      error
}
