// Package event 实现了进程退出时的资源清理
package event

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc adapts a plain function to Callable.
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	cleaning       bool
	timeout        time.Duration
	loggerShutdown Callable
}

var cleanerInstance = &Cleaner{timeout: 10 * time.Second}

func NewCleaner() *Cleaner {
	return cleanerInstance
}

// newCleaner builds an isolated cleaner, for tests.
func newCleaner(timeout time.Duration) *Cleaner {
	return &Cleaner{timeout: timeout}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Clean runs the registered callbacks in reverse order of registration, each
// bounded by the cleaner's timeout. It runs at most once.
func (c *Cleaner) Clean() error {
	c.mu.Lock()
	if c.cleaning {
		c.mu.Unlock()
		return nil
	}
	c.cleaning = true // 标记为清理中，阻止后续Add操作
	cleanersCopy := make([]Callable, len(c.cleaners))
	copy(cleanersCopy, c.cleaners)
	c.mu.Unlock()

	logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

	var errs []error
	for i := len(cleanersCopy) - 1; i >= 0; i-- {
		func(idx int, callable Callable) { // 使用匿名函数确保defer在每次迭代执行
			logger.DebugF("Invoking cleaner #%d (%T)", idx+1, callable)
			timeoutCtx, cancelFunc := context.WithTimeout(context.Background(), c.timeout)
			defer cancelFunc()
			if err := callable.Invoke(timeoutCtx); err != nil {
				logger.ErrorF("Cleaner #%d (%T) failed: %v", idx+1, callable, err)
				errs = append(errs, err)
			}
		}(i, cleanersCopy[i])
	}

	if len(errs) > 0 {
		logger.ErrorF("%d errors occurred during cleanup", len(errs))
	} else {
		logger.Debug("All cleaners executed successfully")
	}
	return errors.Join(errs...)
}

// Init starts waiting for SIGINT/SIGTERM. On a signal every cleaner runs, then the
// logger is flushed and the process exits.
func (c *Cleaner) Init(loggerShutdown Callable) {
	c.initOnce.Do(func() {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		c.loggerShutdown = loggerShutdown

		go func() {
			<-ctx.Done()
			stop()
			logger.Info("Received interrupt signal, shutting down")

			code := 0
			if err := c.Clean(); err != nil {
				code = 1
			}
			logger.Info("Cleanup finished, server offline")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := c.loggerShutdown.Invoke(shutdownCtx); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
			}
			os.Exit(code)
		}()
	})
}
