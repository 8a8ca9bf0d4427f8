package protocol

// CONNECT / CONNECTED 相关函数

import (
	"fmt"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/heartbeat"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/stomp"
)

// ConnectRequest CONNECT帧中的会话参数
type ConnectRequest struct {
	Version       string
	Host          string
	Login         string
	Passcode      string
	ClientSend    time.Duration // cx, how often the client promises to write
	ClientReceive time.Duration // cy, how often the client wants to hear from us
}

// NegotiateVersion picks the highest version both sides speak. A missing
// accept-version header means a 1.0 client.
func NegotiateVersion(acceptVersion string) (string, error) {
	if strings.TrimSpace(acceptVersion) == "" {
		return Version10, nil
	}
	best := ""
	for _, v := range strings.Split(acceptVersion, ",") {
		switch v = strings.TrimSpace(v); v {
		case Version10, Version11, Version12:
			if v > best {
				best = v
			}
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: client accepts %q, server supports %s", ErrUnsupportedVersion, acceptVersion, SupportedVersions)
	}
	return best, nil
}

// ParseConnect 解析 CONNECT 或 STOMP 帧
func ParseConnect(f *stomp.Frame) (*ConnectRequest, error) {
	if cmd := f.Command(); cmd != stomp.CONNECT && cmd != stomp.STOMP {
		return nil, fmt.Errorf("expected CONNECT, got %s", cmd)
	}
	version, err := NegotiateVersion(f.Value(stomp.HeaderAcceptVersion))
	if err != nil {
		return nil, err
	}
	cx, cy, err := heartbeat.Parse(f.Value(stomp.HeaderHeartBeat))
	if err != nil {
		return nil, &HeaderError{Command: f.Command(), Header: stomp.HeaderHeartBeat, Reason: err.Error()}
	}
	return &ConnectRequest{
		Version:       version,
		Host:          f.Value(stomp.HeaderHost),
		Login:         f.Value(stomp.HeaderLogin),
		Passcode:      f.Value(stomp.HeaderPasscode),
		ClientSend:    cx,
		ClientReceive: cy,
	}, nil
}

// NewConnectedFrame 构造 CONNECTED 响应
func NewConnectedFrame(version, sessionID, server string, hb heartbeat.Intervals) *stomp.Frame {
	return stomp.NewFrame(stomp.CONNECTED,
		stomp.HeaderVersion, version,
		stomp.HeaderHeartBeat, hb.Header(),
		stomp.HeaderSession, sessionID,
		stomp.HeaderServer, server,
	)
}
