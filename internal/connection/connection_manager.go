// Package connection 实现了服务器的活动会话管理功能
package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
)

// Connection 表示一个活动会话
type Connection interface {
	ID() string
	Remote() string
	Close(reason error)
	Done() <-chan struct{}
}

// ConnectionManager 连接管理器
type ConnectionManager struct {
	connections sync.Map
	count       atomic.Int64
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{}
}

// AddConnection 添加连接
func (cm *ConnectionManager) AddConnection(conn Connection) {
	if _, loaded := cm.connections.LoadOrStore(conn.ID(), conn); !loaded {
		cm.count.Add(1)
	}
	logger.DebugF("[%s] Client %s connected", conn.ID(), conn.Remote())
}

// RemoveConnection 移除连接
func (cm *ConnectionManager) RemoveConnection(id string) {
	if _, loaded := cm.connections.LoadAndDelete(id); loaded {
		cm.count.Add(-1)
		logger.DebugF("[%s] Client removed", id)
	}
}

// GetConnection 获取连接
func (cm *ConnectionManager) GetConnection(id string) (Connection, bool) {
	if value, ok := cm.connections.Load(id); ok {
		return value.(Connection), true
	}
	return nil, false
}

func (cm *ConnectionManager) Count() int {
	return int(cm.count.Load())
}

// CloseAll asks every connection to close with reason and waits until they are
// gone or ctx expires.
func (cm *ConnectionManager) CloseAll(ctx context.Context, reason error) error {
	var pending []Connection
	cm.connections.Range(func(_, value any) bool {
		conn := value.(Connection)
		conn.Close(reason)
		pending = append(pending, conn)
		return true
	})
	if len(pending) > 0 {
		logger.InfoF("Closing %d client connections", len(pending))
	}
	for _, conn := range pending {
		select {
		case <-conn.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Client close connection", connID)
	case errors.Is(err, io.ErrUnexpectedEOF):
		logger.WarnF("[%s] Client closed connection in the middle of a frame", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	case IsNetClosedError(err):
		logger.DebugF("[%s] Connection already closed", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading frame, details: %v", connID, err)
	}
}
