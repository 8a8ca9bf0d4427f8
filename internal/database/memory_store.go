package database

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore keeps records in process. Used when no database is configured.
// Live sessions are kept until they close; closed ones stay in a bounded history
// so a long running broker does not grow with every connection it has served.
type MemoryStore struct {
	mu     sync.RWMutex
	live   map[string]*SessionRecord
	closed *lru.Cache[string, *SessionRecord] // nil keeps no history
}

// NewMemoryStore keeps at most history closed records, evicting the oldest first.
// history <= 0 forgets a session as soon as it closes.
func NewMemoryStore(history int) *MemoryStore {
	ms := &MemoryStore{live: make(map[string]*SessionRecord)}
	if history > 0 {
		// lru.New only fails for a non-positive size
		ms.closed, _ = lru.New[string, *SessionRecord](history)
	}
	return ms
}

func (ms *MemoryStore) GetSession(_ context.Context, sessionID string) (*SessionRecord, error) {
	if sessionID == "" {
		return nil, ErrSessionIDEmpty
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if record, ok := ms.live[sessionID]; ok {
		return record.Clone(), nil
	}
	if ms.closed != nil {
		if record, ok := ms.closed.Peek(sessionID); ok {
			return record.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
}

func (ms *MemoryStore) SaveSession(_ context.Context, record *SessionRecord) error {
	if record.SessionID == "" {
		return ErrSessionIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if !record.ClosedAt.IsZero() || record.State == "Closed" {
		delete(ms.live, record.SessionID)
		if ms.closed != nil {
			ms.closed.Add(record.SessionID, record.Clone())
		}
		return nil
	}
	ms.live[record.SessionID] = record.Clone()
	return nil
}

func (ms *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrSessionIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.live, sessionID)
	if ms.closed != nil {
		ms.closed.Remove(sessionID)
	}
	return nil
}

// Len counts live sessions plus the retained history.
func (ms *MemoryStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	n := len(ms.live)
	if ms.closed != nil {
		n += ms.closed.Len()
	}
	return n
}
