// Package transport 负责与 broker 之间的底层连接：拨号、读循环与帧发送
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
)

var ErrClosed = errors.New("transport: connection closed")

// Handler 接收连接上的帧和关闭通知，二者都在该连接的读协程中调用
type Handler interface {
	OnFrame(conn Conn, frame packet.Frame)
	// OnClose 每个连接只调用一次，本地主动关闭时 err 为 nil
	OnClose(conn Conn, err error)
}

type Conn interface {
	ID() string
	Send(frame packet.Frame) error
	Active() bool
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, handler Handler) (Conn, error)
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type StreamOptions struct {
	// ReadTimeout 为 0 时不设置读超时
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// StreamConn 在任意字节流上承载 MQTT 帧
type StreamConn struct {
	rwc       io.ReadWriteCloser
	connID    string
	handler   Handler
	options   StreamOptions
	writeMu   sync.Mutex
	active    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewStreamConn 包装 rwc 并立即启动读协程
func NewStreamConn(rwc io.ReadWriteCloser, connID string, handler Handler, options StreamOptions) *StreamConn {
	c := &StreamConn{
		rwc:     rwc,
		connID:  connID,
		handler: handler,
		options: options,
		done:    make(chan struct{}),
	}
	c.active.Store(true)
	go c.readLoop()
	return c
}

func (c *StreamConn) ID() string {
	return c.connID
}

func (c *StreamConn) Active() bool {
	return c.active.Load()
}

// Done 在读协程退出、OnClose 返回后关闭
func (c *StreamConn) Done() <-chan struct{} {
	return c.done
}

func (c *StreamConn) Send(frame packet.Frame) error {
	if !c.active.Load() {
		return ErrClosed
	}
	data := frame.Encode()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if d, ok := c.rwc.(deadliner); ok && c.options.WriteTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	}
	total := 0
	for total < len(data) {
		n, err := c.rwc.Write(data[total:])
		if err != nil {
			logger.ErrorF("[%s] Fail to send %s packet, details: %v", c.connID, frame.Type(), err)
			return fmt.Errorf("send %s: %w", frame.Type(), err)
		}
		total += n
	}
	logger.DebugF("[%s] Send %s packet, %d bytes", c.connID, frame.Type(), total)
	return nil
}

func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		c.active.Store(false)
		if err := c.rwc.Close(); err != nil && !IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", c.connID, err)
			c.closeErr = err
		}
	})
	return c.closeErr
}

func (c *StreamConn) readLoop() {
	var reason error
	defer func() {
		local := !c.active.Load()
		_ = c.Close()
		if local {
			reason = nil
		}
		logger.DebugF("[%s] Connection closed", c.connID)
		c.handler.OnClose(c, reason)
		close(c.done)
	}()

	for {
		if d, ok := c.rwc.(deadliner); ok && c.options.ReadTimeout > 0 {
			_ = d.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
		}

		raw, err := mqtt.ReadPacket(c.rwc)
		if err != nil {
			if c.active.Load() {
				HandleReadError(c.connID, err)
			}
			reason = err
			return
		}

		frame, err := packet.Decode(raw)
		if err != nil {
			logger.ErrorF("[%s] Fail to decode %s packet, details: %v", c.connID, raw.Header.Type, err)
			reason = err
			return
		}

		logger.DebugF("[%s] Receive %s packet", c.connID, frame.Type())
		c.handler.OnFrame(c, frame)
	}
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Broker close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading packet, details: %v", connID, err)
	}
}
