package database

import (
	"context"
	"errors"
	"slices"
	"time"
)

const SessionCollectionName = "sessions"

var (
	ErrSessionIDEmpty  = errors.New("session_id is empty")
	ErrSessionNotFound = errors.New("session does not exist")
)

// SubscriptionRecord 订阅的审计记录
type SubscriptionRecord struct {
	ID          string    `bson:"id"`
	Destination string    `bson:"destination"`
	AckMode     string    `bson:"ack_mode"`
	CreatedAt   time.Time `bson:"created_at"`
}

// SessionRecord 会话的审计记录, 以 session_id 为唯一键
type SessionRecord struct {
	SessionID       string               `bson:"session_id"`
	Remote          string               `bson:"remote"`
	Principal       string               `bson:"principal,omitempty"`
	Version         string               `bson:"version,omitempty"`
	State           string               `bson:"state"`
	OpenedAt        time.Time            `bson:"opened_at"`
	AuthenticatedAt time.Time            `bson:"authenticated_at,omitempty"`
	ClosedAt        time.Time            `bson:"closed_at,omitempty"`
	CloseReason     string               `bson:"close_reason,omitempty"`
	Subscriptions   []SubscriptionRecord `bson:"subscriptions"`
}

func (r *SessionRecord) Clone() *SessionRecord {
	c := *r
	c.Subscriptions = slices.Clone(r.Subscriptions)
	return &c
}

type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	SaveSession(ctx context.Context, record *SessionRecord) error
	DeleteSession(ctx context.Context, sessionID string) error
}
