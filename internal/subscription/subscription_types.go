// Package subscription 实现了目的地到订阅的路由以及消息确认跟踪
package subscription

import (
	"fmt"
	"sync"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/stomp"
)

// AckMode 订阅的确认模式
type AckMode byte

const (
	AckAuto AckMode = iota
	AckClient
	AckClientIndividual
)

var AckModeMap = map[AckMode]string{
	AckAuto:             "auto",
	AckClient:           "client",
	AckClientIndividual: "client-individual",
}

func (m AckMode) String() string {
	return AckModeMap[m]
}

// ParseAckMode maps the SUBSCRIBE ack header; a missing header means auto.
func ParseAckMode(value string) (AckMode, error) {
	if value == "" {
		return AckAuto, nil
	}
	for mode, name := range AckModeMap {
		if name == value {
			return mode, nil
		}
	}
	return AckAuto, fmt.Errorf("unsupported ack mode %q", value)
}

// Message is a published payload. It is shared by every delivered copy and must not
// be modified once handed to the registry.
type Message struct {
	Headers []stomp.Header
	Body    []byte
}

// Delivery is one copy of a message bound for a single subscription.
type Delivery struct {
	SubscriptionID string
	Destination    string
	MessageID      string
	AckMode        AckMode
	Redeliveries   int
	Message        *Message
}

// Owner receives deliveries for the subscriptions it created. Deliver is called from
// publishing goroutines and must only enqueue.
type Owner interface {
	SessionID() string
	Deliver(d *Delivery)
}

// NackPolicy decides what happens to a NACKed message.
type NackPolicy struct {
	Requeue         bool
	MaxRedeliveries int // 0 means no limit
}

func (p NackPolicy) allows(redeliveries int) bool {
	if !p.Requeue {
		return false
	}
	return p.MaxRedeliveries == 0 || redeliveries < p.MaxRedeliveries
}

type pending struct {
	messageID    string
	message      *Message
	redeliveries int
}

// Subscription 表示一个会话内的订阅
type Subscription struct {
	ID          string
	Destination string
	Mode        AckMode
	owner       Owner

	mu      sync.Mutex
	unacked []*pending // delivery order
	closed  bool
}

// Unacked returns the IDs of delivered but unacknowledged messages in delivery order.
func (s *Subscription) Unacked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.unacked))
	for i, p := range s.unacked {
		ids[i] = p.messageID
	}
	return ids
}

func (s *Subscription) track(p *pending) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.Mode != AckAuto {
		s.unacked = append(s.unacked, p)
	}
	return true
}

// settle removes messageID, and everything delivered before it when the mode is
// cumulative, from the unacked list.
func (s *Subscription) settle(messageID string) ([]*pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, p := range s.unacked {
		if p.messageID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	var settled []*pending
	if s.Mode == AckClient {
		settled = append(settled, s.unacked[:idx+1]...)
		s.unacked = append(s.unacked[:0], s.unacked[idx+1:]...)
	} else {
		settled = []*pending{s.unacked[idx]}
		s.unacked = append(s.unacked[:idx], s.unacked[idx+1:]...)
	}
	return settled, true
}

func (s *Subscription) close() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	dropped := len(s.unacked)
	s.unacked = nil
	return dropped
}

// AckError reports an ACK or NACK for a message the subscription is not waiting on.
// It never terminates the session.
type AckError struct {
	SubscriptionID string
	MessageID      string
	Reason         string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("cannot acknowledge message %q on subscription %q: %s", e.MessageID, e.SubscriptionID, e.Reason)
}
