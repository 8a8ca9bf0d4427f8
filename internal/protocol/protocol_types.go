// Package protocol 负责STOMP各命令帧的头部解析与服务端帧的构造
package protocol

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/stomp"
)

// 支持的协议版本
const (
	Version10 = "1.0"
	Version11 = "1.1"
	Version12 = "1.2"
)

// SupportedVersions is advertised in the ERROR frame of a failed negotiation.
const SupportedVersions = Version10 + "," + Version11 + "," + Version12

var ErrUnsupportedVersion = errors.New("no supported protocol version")

// HeaderError reports a frame that is missing a header or carries an unusable one.
type HeaderError struct {
	Command stomp.Command
	Header  string
	Reason  string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("%s frame: header %q %s", e.Command, e.Header, e.Reason)
}

func missing(cmd stomp.Command, header string) *HeaderError {
	return &HeaderError{Command: cmd, Header: header, Reason: "is required"}
}

// required returns the first value of header, failing when it is absent or empty.
func required(f *stomp.Frame, header string) (string, error) {
	v, ok := f.Get(header)
	if !ok || v == "" {
		return "", missing(f.Command(), header)
	}
	return v, nil
}
