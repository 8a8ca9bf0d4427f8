package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/utils"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ConnectDatabase dials MongoDB, verifies the connection and prepares the session
// collection. The caller registers the returned store with the cleaner.
func ConnectDatabase(cfg *config.Config) (*MongoStore, error) {
	logger.DebugF("Connecting to database...")
	dbc := cfg.Database

	// 编码特殊字符
	encodedUser := url.QueryEscape(dbc.Username)
	encodedPass := url.QueryEscape(dbc.Password)
	databaseUrl := fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		dbc.Host,
		dbc.Port,
	)
	if dbc.Username == "" {
		databaseUrl = fmt.Sprintf("mongodb://%s:%d/", dbc.Host, dbc.Port)
	}

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(cfg.AppName)
	// 连接池配置
	clientOptions.SetMinPoolSize(dbc.MinPoolSize)
	clientOptions.SetMaxPoolSize(dbc.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.MustParseStringTime(dbc.ConnectIdleTimeout))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.MustParseStringTime(dbc.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.MustParseStringTime(dbc.SocketTimeout))
	// 心跳包
	if hb := utils.MustParseStringTime(dbc.Heartbeat); hb > 0 {
		clientOptions.SetHeartbeatInterval(hb)
	}
	if dbc.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s #%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s #%d (%s)", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	store := NewMongoStore(client, client.Database(dbc.Database), utils.MustParseStringTime(dbc.OperationTimeout))
	if err = store.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	logger.InfoF("Connected to database %s at %s:%d", dbc.Database, dbc.Host, dbc.Port)
	return store, nil
}
