package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
)

// Recorder receives session lifecycle events. Implementations must not block.
type Recorder interface {
	Opened(sessionID, remote string, at time.Time)
	Authenticated(sessionID, principal, version string, at time.Time)
	Subscribed(sessionID string, sub SubscriptionRecord)
	Unsubscribed(sessionID, subscriptionID string)
	Closed(sessionID, reason string, at time.Time)
}

type discard struct{}

func (discard) Opened(string, string, time.Time)                {}
func (discard) Authenticated(string, string, string, time.Time) {}
func (discard) Subscribed(string, SubscriptionRecord)           {}
func (discard) Unsubscribed(string, string)                     {}
func (discard) Closed(string, string, time.Time)                {}

// Discard drops every event.
var Discard Recorder = discard{}

type op struct {
	sessionID string
	apply     func(r *SessionRecord)
	final     bool
}

// AsyncRecorder applies events to an in-memory copy of each live session and saves
// the copy through a store on its own goroutine.
type AsyncRecorder struct {
	store   SessionStore
	ops     chan op
	live    map[string]*SessionRecord // only touched by the worker
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewAsyncRecorder(store SessionStore, queueSize int) *AsyncRecorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &AsyncRecorder{
		store: store,
		ops:   make(chan op, queueSize),
		live:  make(map[string]*SessionRecord),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *AsyncRecorder) enqueue(o op) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ops <- o:
	default:
		r.dropped.Add(1)
		logger.WarnF("[%s] Audit queue full, record dropped", o.sessionID)
	}
}

func (r *AsyncRecorder) run() {
	defer close(r.done)
	for o := range r.ops {
		record, ok := r.live[o.sessionID]
		if !ok {
			record = &SessionRecord{SessionID: o.sessionID, Subscriptions: []SubscriptionRecord{}}
			r.live[o.sessionID] = record
		}
		o.apply(record)
		if o.final {
			delete(r.live, o.sessionID)
		}
		if err := r.store.SaveSession(context.Background(), record.Clone()); err != nil {
			logger.ErrorF("[%s] Fail to save session record, details: %v", o.sessionID, err)
		}
	}
}

func (r *AsyncRecorder) Opened(sessionID, remote string, at time.Time) {
	r.enqueue(op{sessionID: sessionID, apply: func(rec *SessionRecord) {
		rec.Remote = remote
		rec.OpenedAt = at
		rec.State = "Connected"
	}})
}

func (r *AsyncRecorder) Authenticated(sessionID, principal, version string, at time.Time) {
	r.enqueue(op{sessionID: sessionID, apply: func(rec *SessionRecord) {
		rec.Principal = principal
		rec.Version = version
		rec.AuthenticatedAt = at
		rec.State = "Authenticated"
	}})
}

func (r *AsyncRecorder) Subscribed(sessionID string, sub SubscriptionRecord) {
	r.enqueue(op{sessionID: sessionID, apply: func(rec *SessionRecord) {
		rec.Subscriptions = append(rec.Subscriptions, sub)
	}})
}

func (r *AsyncRecorder) Unsubscribed(sessionID, subscriptionID string) {
	r.enqueue(op{sessionID: sessionID, apply: func(rec *SessionRecord) {
		for i, s := range rec.Subscriptions {
			if s.ID == subscriptionID {
				rec.Subscriptions = append(rec.Subscriptions[:i], rec.Subscriptions[i+1:]...)
				return
			}
		}
	}})
}

func (r *AsyncRecorder) Closed(sessionID, reason string, at time.Time) {
	r.enqueue(op{sessionID: sessionID, final: true, apply: func(rec *SessionRecord) {
		rec.State = "Closed"
		rec.ClosedAt = at
		rec.CloseReason = reason
	}})
}

// Invoke stops accepting events and waits for the queue to drain.
func (r *AsyncRecorder) Invoke(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ops)
	}
	r.mu.Unlock()
	if dropped := r.dropped.Load(); dropped > 0 {
		logger.WarnF("%d audit records were dropped", dropped)
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
