package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/heartbeat"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/stomp"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/subscription"
	"github.com/looplab/fsm"
	"golang.org/x/time/rate"
)

// Session drives one client connection. Every field below the lane marker is
// owned by the lane goroutine started in Serve.
type Session struct {
	id            string
	conn          net.Conn
	remote        string
	certPrincipal string
	opts          *Options
	fsm           *fsm.FSM
	events        *queue[event]
	done          chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex // guards principal, version and closeErr for readers off the lane
	principal string
	version   string
	closeErr  error

	teardownOnce sync.Once
	overflowed   atomic.Bool
	timerMu      sync.Mutex
	connectTimer *time.Timer

	// lane
	writer        *stomp.Writer
	intervals     heartbeat.Intervals
	subs          map[string]struct{}
	transportDown bool
}

// New wraps a handshaken connection. certPrincipal is the verified client
// certificate identity, empty without mTLS.
func New(conn net.Conn, certPrincipal string, opts *Options) *Session {
	s := &Session{
		id:            uuid.NewString(),
		conn:          conn,
		remote:        conn.RemoteAddr().String(),
		certPrincipal: certPrincipal,
		opts:          opts.withDefaults(),
		events:        newQueue[event](),
		done:          make(chan struct{}),
		writer:        stomp.NewWriter(conn),
		subs:          make(map[string]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.fsm = fsm.NewFSM(StateUnconnected,
		fsm.Events{
			{Name: eventHandshake, Src: []string{StateUnconnected}, Dst: StateConnected},
			{Name: eventConnect, Src: []string{StateConnected}, Dst: StateAuthenticated},
			{Name: eventClose, Src: []string{StateUnconnected, StateConnected, StateAuthenticated}, Dst: StateClosing},
			{Name: eventFinish, Src: []string{StateClosing}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.DebugF("[%s] %s -> %s", s.id, e.Src, e.Dst)
			},
			"enter_" + StateAuthenticated: func(_ context.Context, _ *fsm.Event) {
				s.stopConnectTimer()
			},
			"enter_" + StateClosing: func(_ context.Context, _ *fsm.Event) {
				s.stopConnectTimer()
			},
		},
	)
	return s
}

func (s *Session) ID() string { return s.id }

// SessionID makes the session a subscription.Owner.
func (s *Session) SessionID() string { return s.id }

func (s *Session) Remote() string { return s.remote }

func (s *Session) State() string { return s.fsm.Current() }

// Principal is the authenticated login, empty before CONNECT succeeds.
func (s *Session) Principal() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principal
}

// Version is the negotiated protocol version.
func (s *Session) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Err is the reason the session closed, nil for a clean DISCONNECT.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeErr
}

// Done is closed once the session reached Closed and released its resources.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Deliver hands a message copy to the lane. A consumer that lets MaxPending events
// pile up is closed instead of buffering without bound.
func (s *Session) Deliver(d *subscription.Delivery) {
	if s.overflowed.Load() {
		return
	}
	if limit := s.opts.MaxPending; limit > 0 && s.events.len() >= limit {
		if s.overflowed.CompareAndSwap(false, true) {
			logger.WarnF("[%s] %d events pending, dropping slow consumer", s.id, s.events.len())
			s.events.push(event{kind: evClose, err: ErrSlowConsumer})
		}
		return
	}
	s.events.push(event{kind: evDelivery, delivery: d})
}

// HeartbeatTimeout is called by the monitor when the client went silent.
func (s *Session) HeartbeatTimeout() {
	s.events.push(event{kind: evHeartbeatTimeout})
}

// HeartbeatDue is called by the monitor when the server side has been idle.
func (s *Session) HeartbeatDue() {
	s.events.push(event{kind: evHeartbeatDue})
}

// Close asks the lane to end the session with reason. Safe from any goroutine.
func (s *Session) Close(reason error) {
	s.events.push(event{kind: evClose, err: reason})
}

// Serve runs the session until it is closed and returns the close reason. It
// blocks the calling goroutine, which becomes the session's lane.
func (s *Session) Serve(ctx context.Context) error {
	if err := s.fsm.Event(ctx, eventHandshake); err != nil {
		// closed before it was served, e.g. a frame handled while still Unconnected
		s.finish()
		close(s.done)
		if closeErr := s.Err(); closeErr != nil {
			return closeErr
		}
		return err
	}
	s.opts.Recorder.Opened(s.id, s.remote, time.Now())
	logger.InfoF("[%s] Session opened for %s", s.id, s.remote)

	stop := context.AfterFunc(ctx, func() { s.Close(ErrServerShutdown) })
	defer stop()

	if s.opts.ConnectTimeout > 0 {
		s.timerMu.Lock()
		s.connectTimer = time.AfterFunc(s.opts.ConnectTimeout, func() {
			s.events.push(event{kind: evConnectTimeout})
		})
		s.timerMu.Unlock()
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readLoop()
	}()

	s.lane()
	<-readerDone
	close(s.done)
	return s.Err()
}

func (s *Session) stopConnectTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

// activityReader reports every read that returned bytes as client traffic, so a
// frame still arriving keeps the session alive.
type activityReader struct {
	r       io.Reader
	monitor *heartbeat.Monitor
	id      string
}

func (a activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.monitor.Touch(a.id)
	}
	return n, err
}

// readLoop decodes frames and posts them to the lane. It never touches session state.
func (s *Session) readLoop() {
	reader := stomp.NewReader(activityReader{r: s.conn, monitor: s.opts.Monitor, id: s.id}, s.opts.Limits)
	var limiter *rate.Limiter
	if s.opts.FrameRate > 0 {
		limiter = rate.NewLimiter(s.opts.FrameRate, s.opts.FrameBurst)
	}
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			s.events.push(event{kind: evReadError, err: err})
			return
		}
		if frame == nil {
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(s.ctx); err != nil {
				return
			}
		}
		if !s.events.push(event{kind: evFrame, frame: frame}) {
			return
		}
	}
}

func (s *Session) lane() {
	for {
		select {
		case <-s.events.signal():
		case <-s.ctx.Done():
			return
		}
		for _, ev := range s.events.pop() {
			s.dispatch(ev)
			if s.fsm.Is(StateClosing) {
				s.finish()
				return
			}
		}
		s.flush()
		if s.fsm.Is(StateClosing) {
			s.finish()
			return
		}
	}
}

func (s *Session) dispatch(ev event) {
	switch ev.kind {
	case evFrame:
		_ = s.HandleFrame(ev.frame)
	case evReadError:
		s.handleReadError(ev.err)
	case evDelivery:
		if !s.overflowed.Load() {
			s.writeDelivery(ev.delivery)
		}
	case evHeartbeatDue:
		if s.fsm.Is(StateAuthenticated) {
			s.write(func() error { return s.writer.WriteHeartbeat() })
		}
	case evHeartbeatTimeout:
		logger.WarnF("[%s] No traffic from client within %v", s.id, s.intervals.Receive)
		s.fail(ErrHeartbeatTimeout, "")
	case evConnectTimeout:
		if s.fsm.Is(StateConnected) {
			s.fail(ErrConnectTimeout, "")
		}
	case evClose:
		s.fail(ev.err, "")
	}
}

func (s *Session) handleReadError(err error) {
	var protoErr *stomp.ProtocolError
	if errors.As(err, &protoErr) {
		logger.WarnF("[%s] %v", s.id, err)
		s.fail(err, "")
		return
	}
	s.transportDown = true
	connection.HandleReadError(s.id, err)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || connection.IsNetClosedError(err) {
		err = ErrPeerClosed
	}
	s.closeWith(err)
}

// closeWith moves the session to Closing without writing anything.
func (s *Session) closeWith(reason error) {
	s.mu.Lock()
	if s.closeErr == nil {
		s.closeErr = reason
	}
	s.mu.Unlock()
	if err := s.fsm.Event(context.Background(), eventClose); err != nil {
		logger.DebugF("[%s] close ignored: %v", s.id, err)
	}
}

// write runs fn against the buffered writer unless the transport is gone.
func (s *Session) write(fn func() error) {
	if s.transportDown {
		return
	}
	if err := fn(); err != nil {
		s.transportDown = true
		s.closeWith(err)
	}
}

func (s *Session) send(f *stomp.Frame) {
	logger.DebugF("[%s] Send %s frame", s.id, f.Command())
	s.write(func() error { return s.writer.WriteFrame(f) })
}

// flush pushes buffered frames to the socket, bounded by the write timeout.
func (s *Session) flush() {
	s.flushWithin(s.opts.WriteTimeout)
}

func (s *Session) flushWithin(d time.Duration) {
	if s.transportDown || s.writer.Buffered() == 0 {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(d))
	if err := s.writer.Flush(); err != nil {
		s.transportDown = true
		if !connection.IsNetClosedError(err) {
			logger.WarnF("[%s] Fail to send data, details: %v", s.id, err)
		}
		s.closeWith(err)
		return
	}
	s.opts.Monitor.Wrote(s.id)
}

// finish completes Closing -> Closed: pending writes get the grace period, then
// the session is torn down.
func (s *Session) finish() {
	s.flushWithin(s.opts.CloseGrace)
	if err := s.fsm.Event(context.Background(), eventFinish); err != nil {
		logger.DebugF("[%s] finish ignored: %v", s.id, err)
	}
	s.teardown()
}

// teardown releases the socket, heart-beat tracking and every subscription once.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.stopConnectTimer()
		if len(s.subs) > 0 {
			logger.DebugF("[%s] Releasing subscriptions %v", s.id, s.subscriptionIDs())
		}
		released := s.opts.Registry.RemoveAll(s.id)
		s.opts.Monitor.Untrack(s.id)
		s.events.close()
		s.cancel()
		if err := s.conn.Close(); err != nil && !connection.IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", s.id, err)
		}

		reason := "client disconnected"
		if err := s.Err(); err != nil {
			reason = err.Error()
		}
		s.opts.Recorder.Closed(s.id, reason, time.Now())
		if s.opts.OnClose != nil {
			s.opts.OnClose(s)
		}
		logger.InfoF("[%s] Session closed (%s), %d subscriptions released", s.id, reason, released)
	})
}
