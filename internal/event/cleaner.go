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

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc 将普通函数适配为 Callable
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

const cleanerTimeout = 10 * time.Second

// Cleaner 在收到退出信号或显式调用 Shutdown 时按注册的逆序执行清理函数
type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	shutdownOnce   sync.Once
	cleaning       bool
	loggerShutdown Callable
	done           chan struct{}
	err            error
}

func NewCleaner() *Cleaner {
	return &Cleaner{done: make(chan struct{})}
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

// Init 监听 SIGINT/SIGTERM，loggerShutdown 在所有清理函数之后执行
func (c *Cleaner) Init(loggerShutdown Callable) {
	c.initOnce.Do(func() {
		c.loggerShutdown = loggerShutdown
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		go func() {
			defer stop()
			select {
			case <-ctx.Done():
				logger.Info("Received interrupt signal, shutting down")
				c.Shutdown()
			case <-c.done:
			}
		}()
	})
}

// Shutdown 执行全部清理函数，重复调用只执行一次
func (c *Cleaner) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.cleaning = true // 标记为清理中，阻止后续Add操作
		cleanersCopy := make([]Callable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		var errs []error
		for i := len(cleanersCopy) - 1; i >= 0; i-- {
			func(idx int, callable Callable) {
				logger.DebugF("Invoking cleaner #%d (%T)", idx+1, callable)
				timeoutCtx, cancelFunc := context.WithTimeout(context.Background(), cleanerTimeout)
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
		logger.Info("Cleanup finished, client offline")

		if c.loggerShutdown != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := c.loggerShutdown.Invoke(shutdownCtx); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
			}
		}

		c.err = errors.Join(errs...)
		close(c.done)
	})
	<-c.done
	return c.err
}

// Done 在清理完成后关闭
func (c *Cleaner) Done() <-chan struct{} {
	return c.done
}
