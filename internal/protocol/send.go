package protocol

import (
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/stomp"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/subscription"
)

// reserved headers are set by the broker on MESSAGE frames and never forwarded
var reserved = map[string]struct{}{
	stomp.HeaderDestination:   {},
	stomp.HeaderReceipt:       {},
	stomp.HeaderContentLength: {},
	stomp.HeaderMessageID:     {},
	stomp.HeaderSubscription:  {},
	stomp.HeaderAck:           {},
	stomp.HeaderRedelivered:   {},
	"transaction":             {},
}

// ParseSend returns the destination of a SEND frame and the message to publish.
// Only the first occurrence of a repeated user header is kept.
func ParseSend(f *stomp.Frame) (string, *subscription.Message, error) {
	dest, err := required(f, stomp.HeaderDestination)
	if err != nil {
		return "", nil, err
	}
	msg := &subscription.Message{Body: f.Body}
	seen := make(map[string]struct{}, len(f.Headers))
	for _, h := range f.Headers {
		if _, skip := reserved[h.Name]; skip {
			continue
		}
		if _, dup := seen[h.Name]; dup {
			continue
		}
		seen[h.Name] = struct{}{}
		msg.Headers = append(msg.Headers, h)
	}
	return dest, msg, nil
}

// NewMessageFrame 将一次投递编码为 MESSAGE 帧
func NewMessageFrame(d *subscription.Delivery, version string) *stomp.Frame {
	f := stomp.NewFrame(stomp.MESSAGE,
		stomp.HeaderDestination, d.Destination,
		stomp.HeaderMessageID, d.MessageID,
		stomp.HeaderSubscription, d.SubscriptionID,
	)
	if d.AckMode != subscription.AckAuto && version == Version12 {
		f.Add(stomp.HeaderAck, d.MessageID)
	}
	if d.Redeliveries > 0 {
		f.Add(stomp.HeaderRedelivered, "true")
	}
	f.Headers = append(f.Headers, d.Message.Headers...)
	return f.WithBody(d.Message.Body)
}
