package subscription

import (
	"crypto/rand"
	"errors"
	"sync"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
	"github.com/minio/highwayhash"
	"github.com/nats-io/nuid"
)

const defaultShards = 32

var (
	ErrEmptyID             = errors.New("subscription id is empty")
	ErrEmptyDestination    = errors.New("destination is empty")
	ErrDuplicateID         = errors.New("subscription id already in use")
	ErrUnknownSubscription = errors.New("unknown subscription")
)

type destination struct {
	mu   sync.Mutex // serialises fan-out so every subscriber sees the same order
	subs []*Subscription
}

type shard struct {
	mu    sync.RWMutex
	dests map[string]*destination
}

// ownerSubs is only mutated from the owner's own lane, the mutex covers
// readers on other goroutines.
type ownerSubs struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

// Registry routes published messages to subscriptions.
type Registry struct {
	hashKey []byte
	shards  []*shard
	owners  sync.Map // session id -> *ownerSubs
	policy  NackPolicy
	nextID  func() string
}

type Option func(*Registry)

func WithNackPolicy(p NackPolicy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithIDGenerator replaces the message ID source.
func WithIDGenerator(next func() string) Option {
	return func(r *Registry) { r.nextID = next }
}

// WithShards splits destinations over n locks. n <= 0 keeps the default.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = newShards(n)
		}
	}
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{dests: make(map[string]*destination)}
	}
	return shards
}

func NewRegistry(opts ...Option) *Registry {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	r := &Registry{
		hashKey: key,
		shards:  newShards(defaultShards),
		policy:  NackPolicy{Requeue: true},
		nextID:  nuid.Next,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(dest string) *shard {
	h := highwayhash.Sum64([]byte(dest), r.hashKey)
	return r.shards[h%uint64(len(r.shards))]
}

func (r *Registry) ownerEntry(sessionID string) *ownerSubs {
	v, _ := r.owners.LoadOrStore(sessionID, &ownerSubs{subs: make(map[string]*Subscription)})
	return v.(*ownerSubs)
}

// Subscribe binds a new subscription of owner to dest.
func (r *Registry) Subscribe(owner Owner, id, dest string, mode AckMode) (*Subscription, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	if dest == "" {
		return nil, ErrEmptyDestination
	}
	entry := r.ownerEntry(owner.SessionID())
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, ok := entry.subs[id]; ok {
		return nil, ErrDuplicateID
	}

	sub := &Subscription{ID: id, Destination: dest, Mode: mode, owner: owner}
	s := r.shardFor(dest)
	s.mu.Lock()
	d, ok := s.dests[dest]
	if !ok {
		d = &destination{}
		s.dests[dest] = d
	}
	d.subs = append(d.subs, sub)
	s.mu.Unlock()

	entry.subs[id] = sub
	logger.DebugF("[%s] Subscribed %s to %s (ack=%s)", owner.SessionID(), id, dest, mode)
	return sub, nil
}

// Unsubscribe removes one subscription. Unacknowledged messages it held are dropped
// and their number returned.
func (r *Registry) Unsubscribe(owner Owner, id string) (int, error) {
	v, ok := r.owners.Load(owner.SessionID())
	if !ok {
		return 0, ErrUnknownSubscription
	}
	entry := v.(*ownerSubs)
	entry.mu.Lock()
	sub, ok := entry.subs[id]
	if ok {
		delete(entry.subs, id)
	}
	entry.mu.Unlock()
	if !ok {
		return 0, ErrUnknownSubscription
	}
	return r.detach(sub), nil
}

// RemoveAll drops every subscription of the session and returns how many there were.
func (r *Registry) RemoveAll(sessionID string) int {
	v, ok := r.owners.LoadAndDelete(sessionID)
	if !ok {
		return 0
	}
	entry := v.(*ownerSubs)
	entry.mu.Lock()
	subs := entry.subs
	entry.subs = map[string]*Subscription{}
	entry.mu.Unlock()

	dropped := 0
	for _, sub := range subs {
		dropped += r.detach(sub)
	}
	if dropped > 0 {
		logger.DebugF("[%s] Dropped %d unacknowledged messages on teardown", sessionID, dropped)
	}
	return len(subs)
}

func (r *Registry) detach(sub *Subscription) int {
	s := r.shardFor(sub.Destination)
	s.mu.Lock()
	if d, ok := s.dests[sub.Destination]; ok {
		for i, candidate := range d.subs {
			if candidate == sub {
				d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
				break
			}
		}
		if len(d.subs) == 0 {
			delete(s.dests, sub.Destination)
		}
	}
	s.mu.Unlock()
	return sub.close()
}

// Lookup returns the owner's subscription with the given id.
func (r *Registry) Lookup(sessionID, id string) (*Subscription, bool) {
	v, ok := r.owners.Load(sessionID)
	if !ok {
		return nil, false
	}
	entry := v.(*ownerSubs)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	sub, ok := entry.subs[id]
	return sub, ok
}

// Count returns the number of subscriptions bound to dest.
func (r *Registry) Count(dest string) int {
	s := r.shardFor(dest)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.dests[dest]; ok {
		return len(d.subs)
	}
	return 0
}

// Deliver fans msg out to every subscription bound to dest and returns the number
// of copies handed to owners.
func (r *Registry) Deliver(dest string, msg *Message) int {
	s := r.shardFor(dest)
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dests[dest]
	if !ok {
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	delivered := 0
	for _, sub := range d.subs {
		if r.push(sub, &pending{messageID: r.nextID(), message: msg}) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) push(sub *Subscription, p *pending) bool {
	if !sub.track(p) {
		return false
	}
	sub.owner.Deliver(&Delivery{
		SubscriptionID: sub.ID,
		Destination:    sub.Destination,
		MessageID:      p.messageID,
		AckMode:        sub.Mode,
		Redeliveries:   p.redeliveries,
		Message:        p.message,
	})
	return true
}

// Ack settles messageID on the owner's subscription. In client mode every earlier
// unacknowledged message is settled too.
func (r *Registry) Ack(owner Owner, subscriptionID, messageID string) error {
	_, err := r.settle(owner, subscriptionID, messageID)
	return err
}

// Nack settles like Ack and then requeues the settled messages to the same
// subscription as the policy allows. It returns how many were requeued.
func (r *Registry) Nack(owner Owner, subscriptionID, messageID string) (int, error) {
	settled, err := r.settle(owner, subscriptionID, messageID)
	if err != nil {
		return 0, err
	}
	sub, ok := r.Lookup(owner.SessionID(), subscriptionID)
	if !ok {
		return 0, nil
	}
	requeued := 0
	for _, p := range settled {
		if !r.policy.allows(p.redeliveries) {
			logger.DebugF("[%s] Discarding NACKed message %s after %d redeliveries", owner.SessionID(), p.messageID, p.redeliveries)
			continue
		}
		next := &pending{messageID: r.nextID(), message: p.message, redeliveries: p.redeliveries + 1}
		if r.push(sub, next) {
			requeued++
		}
	}
	return requeued, nil
}

func (r *Registry) settle(owner Owner, subscriptionID, messageID string) ([]*pending, error) {
	sub, ok := r.Lookup(owner.SessionID(), subscriptionID)
	if !ok {
		return nil, &AckError{SubscriptionID: subscriptionID, MessageID: messageID, Reason: "no such subscription"}
	}
	if sub.Mode == AckAuto {
		return nil, &AckError{SubscriptionID: subscriptionID, MessageID: messageID, Reason: "subscription uses auto acknowledgement"}
	}
	settled, ok := sub.settle(messageID)
	if !ok {
		return nil, &AckError{SubscriptionID: subscriptionID, MessageID: messageID, Reason: "message is not awaiting acknowledgement"}
	}
	return settled, nil
}

// OwnerOf finds which of the owner's subscriptions holds messageID unacknowledged.
// STOMP 1.2 ACK frames only carry the message's ack id.
func (r *Registry) OwnerOf(sessionID, messageID string) (string, bool) {
	v, ok := r.owners.Load(sessionID)
	if !ok {
		return "", false
	}
	entry := v.(*ownerSubs)
	entry.mu.Lock()
	subs := make([]*Subscription, 0, len(entry.subs))
	for _, sub := range entry.subs {
		subs = append(subs, sub)
	}
	entry.mu.Unlock()
	for _, sub := range subs {
		for _, id := range sub.Unacked() {
			if id == messageID {
				return sub.ID, true
			}
		}
	}
	return "", false
}
