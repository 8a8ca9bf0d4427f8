package session

import (
	"context"
	"errors"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/auth"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/heartbeat"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/stomp"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/subscription"
)

// HandleFrame applies one client frame to the session. Errors that end the session
// have already moved it to Closing when HandleFrame returns; an *subscription.AckError
// leaves it running.
func (s *Session) HandleFrame(f *stomp.Frame) error {
	logger.DebugF("[%s] Receive %s frame", s.id, f.Command())
	state := s.fsm.Current()
	switch state {
	case StateConnected, StateAuthenticated:
	case StateUnconnected:
		err := &StateError{State: state, Command: f.Command()}
		s.closeWith(err)
		return err
	default:
		return &StateError{State: state, Command: f.Command()}
	}

	receipt := f.Value(stomp.HeaderReceipt)
	var err error
	switch state {
	case StateConnected:
		switch f.Command() {
		case stomp.CONNECT, stomp.STOMP:
			err = s.handleConnect(f)
			receipt = ""
		default:
			err = &StateError{State: state, Command: f.Command()}
		}
	case StateAuthenticated:
		switch f.Command() {
		case stomp.SEND:
			err = s.handleSend(f)
		case stomp.SUBSCRIBE:
			err = s.handleSubscribe(f)
		case stomp.UNSUBSCRIBE:
			err = s.handleUnsubscribe(f)
		case stomp.ACK, stomp.NACK:
			err = s.handleAck(f)
		case stomp.DISCONNECT:
			s.handleDisconnect(receipt)
			return nil
		default:
			err = &StateError{State: state, Command: f.Command()}
		}
	}

	var ackErr *subscription.AckError
	switch {
	case err == nil:
		if receipt != "" {
			s.send(protocol.NewReceiptFrame(receipt))
		}
	case errors.As(err, &ackErr):
		logger.WarnF("[%s] %v", s.id, err)
	default:
		logger.WarnF("[%s] Closing session, details: %v", s.id, err)
		s.fail(err, receipt)
	}
	return err
}

// fail sends an ERROR frame describing reason, when the socket still takes writes,
// and moves the session to Closing. A nil reason closes quietly.
func (s *Session) fail(reason error, receiptID string) {
	if reason != nil {
		f := protocol.NewErrorFrame(errorMessage(reason), reason.Error(), receiptID)
		if errors.Is(reason, protocol.ErrUnsupportedVersion) {
			f.Add(stomp.HeaderVersion, protocol.SupportedVersions)
		}
		s.send(f)
	}
	s.closeWith(reason)
}

// errorMessage is the short text of the ERROR frame's message header.
func errorMessage(err error) string {
	var (
		stateErr  *StateError
		authErr   *auth.AuthError
		protoErr  *stomp.ProtocolError
		headerErr *protocol.HeaderError
	)
	switch {
	case errors.As(err, &stateErr):
		return "frame not allowed"
	case errors.As(err, &authErr):
		return "authentication failed"
	case errors.As(err, &protoErr), errors.As(err, &headerErr):
		return "malformed frame"
	case errors.Is(err, protocol.ErrUnsupportedVersion):
		return "unsupported protocol version"
	case errors.Is(err, subscription.ErrDuplicateID),
		errors.Is(err, subscription.ErrUnknownSubscription),
		errors.Is(err, subscription.ErrEmptyDestination),
		errors.Is(err, subscription.ErrEmptyID):
		return "subscription rejected"
	default:
		return err.Error()
	}
}

func (s *Session) handleConnect(f *stomp.Frame) error {
	req, err := protocol.ParseConnect(f)
	if err != nil {
		return err
	}
	principal, err := s.opts.Authenticator.Authenticate(auth.Credentials{
		Login:         req.Login,
		Passcode:      req.Passcode,
		CertPrincipal: s.certPrincipal,
	})
	if err != nil {
		return err
	}
	if err = s.fsm.Event(context.Background(), eventConnect); err != nil {
		return err
	}

	s.intervals = heartbeat.Negotiate(req.ClientSend, req.ClientReceive, s.opts.HeartbeatSend, s.opts.HeartbeatReceive)
	s.mu.Lock()
	s.principal = principal
	s.version = req.Version
	s.mu.Unlock()

	s.send(protocol.NewConnectedFrame(req.Version, s.id, s.opts.ServerName, s.intervals))
	s.opts.Monitor.Track(s.id, s.intervals, s)
	s.opts.Recorder.Authenticated(s.id, principal, req.Version, time.Now())
	logger.InfoF("[%s] Authenticated as %s, STOMP %s, heart-beat %s", s.id, principal, req.Version, s.intervals.Header())
	return nil
}

func (s *Session) handleSend(f *stomp.Frame) error {
	dest, msg, err := protocol.ParseSend(f)
	if err != nil {
		return err
	}
	n := s.opts.Registry.Deliver(dest, msg)
	logger.DebugF("[%s] Message to %s delivered to %d subscriptions", s.id, dest, n)
	return nil
}

func (s *Session) handleSubscribe(f *stomp.Frame) error {
	req, err := protocol.ParseSubscribe(f, s.version)
	if err != nil {
		return err
	}
	if _, err = s.opts.Registry.Subscribe(s, req.ID, req.Destination, req.Ack); err != nil {
		return err
	}
	s.subs[req.ID] = struct{}{}
	s.opts.Recorder.Subscribed(s.id, database.SubscriptionRecord{
		ID:          req.ID,
		Destination: req.Destination,
		AckMode:     req.Ack.String(),
		CreatedAt:   time.Now(),
	})
	return nil
}

func (s *Session) handleUnsubscribe(f *stomp.Frame) error {
	id, err := protocol.ParseUnsubscribe(f, s.version)
	if err != nil {
		return err
	}
	dropped, err := s.opts.Registry.Unsubscribe(s, id)
	if err != nil {
		return err
	}
	delete(s.subs, id)
	s.opts.Recorder.Unsubscribed(s.id, id)
	if dropped > 0 {
		logger.DebugF("[%s] Unsubscribed %s, %d unacknowledged messages dropped", s.id, id, dropped)
	}
	return nil
}

func (s *Session) handleAck(f *stomp.Frame) error {
	req, err := protocol.ParseAck(f, s.version)
	if err != nil {
		return err
	}
	subID := req.Subscription
	if subID == "" {
		var ok bool
		if subID, ok = s.opts.Registry.OwnerOf(s.id, req.MessageID); !ok {
			return &subscription.AckError{MessageID: req.MessageID, Reason: "message is not awaiting acknowledgement"}
		}
	}
	if f.Command() == stomp.ACK {
		return s.opts.Registry.Ack(s, subID, req.MessageID)
	}
	requeued, err := s.opts.Registry.Nack(s, subID, req.MessageID)
	if err == nil && requeued > 0 {
		logger.DebugF("[%s] %d messages requeued on %s", s.id, requeued, subID)
	}
	return err
}

func (s *Session) handleDisconnect(receipt string) {
	if receipt != "" {
		s.send(protocol.NewReceiptFrame(receipt))
	}
	logger.InfoF("[%s] Client disconnect", s.id)
	s.closeWith(nil)
}

func (s *Session) writeDelivery(d *subscription.Delivery) {
	if !s.fsm.Is(StateAuthenticated) {
		return
	}
	s.send(protocol.NewMessageFrame(d, s.version))
}

// subscriptionIDs lists the ids this session currently owns. Lane only.
func (s *Session) subscriptionIDs() []string {
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	return ids
}
