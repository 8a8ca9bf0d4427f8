package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore 基于 MongoDB 的会话审计存储
type MongoStore struct {
	client           *mongo.Client
	sessions         *mongo.Collection
	operationTimeout time.Duration
}

func NewMongoStore(client *mongo.Client, db *mongo.Database, operationTimeout time.Duration) *MongoStore {
	if operationTimeout <= 0 {
		operationTimeout = 5 * time.Second
	}
	return &MongoStore{
		client:           client,
		sessions:         db.Collection(SessionCollectionName),
		operationTimeout: operationTimeout,
	}
}

func wrapError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %w", ErrSessionNotFound, err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

// EnsureIndexes creates the unique session_id index and a lookup index on principal.
func (ds *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := ds.sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("sessions_session_id_unique"),
		},
		{
			Keys:    bson.D{{Key: "principal", Value: 1}, {Key: "opened_at", Value: -1}},
			Options: options.Index().SetName("sessions_principal_opened_at"),
		},
	})
	if err != nil {
		return fmt.Errorf("error occured while creating database indexes: %w", err)
	}
	return nil
}

func (ds *MongoStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	if sessionID == "" {
		return nil, ErrSessionIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	var record SessionRecord
	startTime := time.Now()
	err := ds.sessions.FindOne(ctx, bson.D{{Key: "session_id", Value: sessionID}}).Decode(&record)
	logger.DebugF("session query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, wrapError(err)
	}
	return &record, nil
}

func (ds *MongoStore) SaveSession(ctx context.Context, record *SessionRecord) error {
	if record.SessionID == "" {
		return ErrSessionIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "session_id", Value: record.SessionID}}
	result, err := ds.sessions.ReplaceOne(ctx, filter, record, options.Replace().SetUpsert(true))
	if err != nil {
		return wrapError(err)
	}
	logger.DebugF("Session saved: session_id=%s, state=%s, matched=%d, modified=%d, upserted=%v",
		record.SessionID,
		record.State,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (ds *MongoStore) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrSessionIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	result, err := ds.sessions.DeleteOne(ctx, bson.D{{Key: "session_id", Value: sessionID}})
	if err != nil {
		return wrapError(err)
	}
	logger.DebugF("Session deleted: session_id=%s, deleted=%d", sessionID, result.DeletedCount)
	return nil
}

// Invoke disconnects the client on shutdown.
func (ds *MongoStore) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()
	return ds.client.Disconnect(ctx)
}
