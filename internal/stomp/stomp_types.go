// Package stomp 实现了STOMP帧的核心类型定义与编解码
package stomp

// Command 定义了STOMP帧的命令类型
type Command byte

// STOMP 命令常量定义
const (
	CONNECT     Command = iota + 1 // 客户端请求建立会话
	STOMP                          // CONNECT 的 1.2 别名
	SEND                           // 发布消息到目的地
	SUBSCRIBE                      // 订阅目的地
	UNSUBSCRIBE                    // 取消订阅
	ACK                            // 确认消息
	NACK                           // 拒绝消息
	DISCONNECT                     // 客户端断开
	CONNECTED                      // 会话建立成功
	MESSAGE                        // 投递给订阅者的消息
	RECEIPT                        // 回执
	ERROR                          // 错误
)

// CommandMap 将Command映射到其字符串表示
var CommandMap = map[Command]string{
	CONNECT:     "CONNECT",
	STOMP:       "STOMP",
	SEND:        "SEND",
	SUBSCRIBE:   "SUBSCRIBE",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	ACK:         "ACK",
	NACK:        "NACK",
	DISCONNECT:  "DISCONNECT",
	CONNECTED:   "CONNECTED",
	MESSAGE:     "MESSAGE",
	RECEIPT:     "RECEIPT",
	ERROR:       "ERROR",
}

var commandLookup = func() map[string]Command {
	m := make(map[string]Command, len(CommandMap))
	for cmd, name := range CommandMap {
		m[name] = cmd
	}
	return m
}()

// String 返回Command的字符串表示
func (cmd Command) String() string {
	if name, ok := CommandMap[cmd]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseCommand looks up a command token exactly as it appears on the wire.
func ParseCommand(token string) (Command, bool) {
	cmd, ok := commandLookup[token]
	return cmd, ok
}

// FromClient reports whether clients may send this command.
func (cmd Command) FromClient() bool {
	switch cmd {
	case CONNECT, STOMP, SEND, SUBSCRIBE, UNSUBSCRIBE, ACK, NACK, DISCONNECT:
		return true
	default:
		return false
	}
}

// escapesHeaders reports whether header values of this command use the 1.2 escape scheme.
// CONNECT and CONNECTED frames are exempt so that 1.0 peers can still negotiate.
func (cmd Command) escapesHeaders() bool {
	return cmd != CONNECT && cmd != STOMP && cmd != CONNECTED
}

// Well-known header names.
const (
	HeaderAcceptVersion = "accept-version"
	HeaderAck           = "ack"
	HeaderContentLength = "content-length"
	HeaderContentType   = "content-type"
	HeaderDestination   = "destination"
	HeaderHeartBeat     = "heart-beat"
	HeaderHost          = "host"
	HeaderID            = "id"
	HeaderLogin         = "login"
	HeaderMessage       = "message"
	HeaderMessageID     = "message-id"
	HeaderPasscode      = "passcode"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderRedelivered   = "redelivered"
	HeaderServer        = "server"
	HeaderSession       = "session"
	HeaderSubscription  = "subscription"
	HeaderVersion       = "version"
)

// Header is a single name/value pair as it appeared on the wire.
type Header struct {
	Name  string
	Value string
}

// Limits bounds how much of the stream a single frame may occupy before it is
// considered malformed.
type Limits struct {
	MaxHeaderBytes int // command line plus all header lines
	MaxHeaders     int
	MaxBodyBytes   int
}

// DefaultLimits mirrors the frame limits commonly used by STOMP brokers.
var DefaultLimits = Limits{
	MaxHeaderBytes: 64 * 1024,
	MaxHeaders:     1000,
	MaxBodyBytes:   64 * 1024 * 1024,
}
