package protocol

// SUBSCRIBE / UNSUBSCRIBE / ACK / NACK 相关函数

import (
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/stomp"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/subscription"
)

type SubscribeRequest struct {
	ID          string
	Destination string
	Ack         subscription.AckMode
}

// ParseSubscribe reads a SUBSCRIBE frame. 1.0 clients may omit the id, the
// destination then doubles as the subscription id.
func ParseSubscribe(f *stomp.Frame, version string) (*SubscribeRequest, error) {
	dest, err := required(f, stomp.HeaderDestination)
	if err != nil {
		return nil, err
	}
	id := f.Value(stomp.HeaderID)
	if id == "" {
		if version != Version10 {
			return nil, missing(f.Command(), stomp.HeaderID)
		}
		id = dest
	}
	mode, err := subscription.ParseAckMode(f.Value(stomp.HeaderAck))
	if err != nil {
		return nil, &HeaderError{Command: f.Command(), Header: stomp.HeaderAck, Reason: err.Error()}
	}
	return &SubscribeRequest{ID: id, Destination: dest, Ack: mode}, nil
}

// ParseUnsubscribe returns the id of the subscription to drop.
func ParseUnsubscribe(f *stomp.Frame, version string) (string, error) {
	if id := f.Value(stomp.HeaderID); id != "" {
		return id, nil
	}
	if version == Version10 {
		if dest := f.Value(stomp.HeaderDestination); dest != "" {
			return dest, nil
		}
	}
	return "", missing(f.Command(), stomp.HeaderID)
}

// AckRequest identifies the message an ACK or NACK settles. Subscription is empty
// when the frame does not name it and must be resolved from the message id.
type AckRequest struct {
	MessageID    string
	Subscription string
}

// ParseAck reads ACK and NACK frames. 1.2 carries the ack id in "id", earlier
// versions use "message-id" plus "subscription".
func ParseAck(f *stomp.Frame, version string) (*AckRequest, error) {
	req := &AckRequest{Subscription: f.Value(stomp.HeaderSubscription)}
	switch version {
	case Version12:
		id, err := required(f, stomp.HeaderID)
		if err != nil {
			return nil, err
		}
		req.MessageID = id
	case Version11:
		id, err := required(f, stomp.HeaderMessageID)
		if err != nil {
			return nil, err
		}
		if req.Subscription == "" {
			return nil, missing(f.Command(), stomp.HeaderSubscription)
		}
		req.MessageID = id
	default:
		id, err := required(f, stomp.HeaderMessageID)
		if err != nil {
			return nil, err
		}
		req.MessageID = id
	}
	return req, nil
}
