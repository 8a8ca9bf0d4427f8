// Package heartbeat tracks per-session liveness deadlines and asks idle sessions
// to emit heart-beats.
package heartbeat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Intervals is the outcome of heart-beat negotiation for one session.
// A zero value disables that direction.
type Intervals struct {
	Send    time.Duration // server writes at least this often
	Receive time.Duration // client must write at least this often
}

// Parse reads a "cx,cy" heart-beat header in milliseconds. An empty value is 0,0.
func Parse(value string) (time.Duration, time.Duration, error) {
	if value == "" {
		return 0, 0, nil
	}
	first, second, ok := strings.Cut(value, ",")
	if !ok {
		return 0, 0, fmt.Errorf("invalid heart-beat %q", value)
	}
	x, err := strconv.ParseUint(strings.TrimSpace(first), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid heart-beat %q", value)
	}
	y, err := strconv.ParseUint(strings.TrimSpace(second), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid heart-beat %q", value)
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond, nil
}

// Negotiate combines the client's "cx,cy" with the server's own send/receive
// preferences. Each direction is enabled only when both sides agree, and then runs
// at the slower of the two rates.
func Negotiate(clientSend, clientReceive, serverSend, serverReceive time.Duration) Intervals {
	var in Intervals
	if serverSend > 0 && clientReceive > 0 {
		in.Send = max(serverSend, clientReceive)
	}
	if clientSend > 0 && serverReceive > 0 {
		in.Receive = max(clientSend, serverReceive)
	}
	return in
}

// Header renders the server side of the negotiation for a CONNECTED frame.
func (in Intervals) Header() string {
	return fmt.Sprintf("%d,%d", in.Send/time.Millisecond, in.Receive/time.Millisecond)
}

// Clock is the time source of the monitor.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Target is the owning session. Both methods are called from the monitor goroutine
// and must only hand the event over to the session's own lane.
type Target interface {
	HeartbeatTimeout()
	HeartbeatDue()
}

type entry struct {
	intervals Intervals
	target    Target
	lastRead  time.Time
	lastWrite time.Time
	expired   bool
	asked     bool // a heart-beat was requested and not yet written
}

// Monitor owns the liveness table for every tracked session.
type Monitor struct {
	clock     Clock
	tolerance float64
	sweep     time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

type Option func(*Monitor)

func WithClock(c Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithTolerance stretches the receive deadline; 1.5 allows a client to be half an
// interval late.
func WithTolerance(t float64) Option {
	return func(m *Monitor) {
		if t >= 1 {
			m.tolerance = t
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.sweep = d
		}
	}
}

func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		clock:     systemClock{},
		tolerance: 1,
		sweep:     500 * time.Millisecond,
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track starts watching a session. Sessions with both directions disabled are ignored.
func (m *Monitor) Track(id string, in Intervals, target Target) {
	if in.Send == 0 && in.Receive == 0 {
		return
	}
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = &entry{intervals: in, target: target, lastRead: now, lastWrite: now}
}

func (m *Monitor) Untrack(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

// Touch records inbound traffic.
func (m *Monitor) Touch(id string) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.lastRead = now
	}
}

// Wrote records outbound traffic.
func (m *Monitor) Wrote(id string) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.lastWrite = now
		e.asked = false
	}
}

func (m *Monitor) Tracked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	return ok
}

// Sweep checks every deadline once. Timeouts are reported a single time per session.
func (m *Monitor) Sweep() {
	now := m.clock.Now()
	var timedOut, due []Target

	m.mu.Lock()
	for _, e := range m.entries {
		if e.expired {
			continue
		}
		if e.intervals.Receive > 0 {
			limit := time.Duration(float64(e.intervals.Receive) * m.tolerance)
			if now.Sub(e.lastRead) > limit {
				e.expired = true
				timedOut = append(timedOut, e.target)
				continue
			}
		}
		if e.intervals.Send > 0 && !e.asked && now.Sub(e.lastWrite) >= e.intervals.Send {
			e.asked = true
			due = append(due, e.target)
		}
	}
	m.mu.Unlock()

	// targets are notified outside the lock, they may call back into the monitor
	for _, t := range timedOut {
		t.HeartbeatTimeout()
	}
	for _, t := range due {
		t.HeartbeatDue()
	}
}

// Run sweeps until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
