// Package transporttest 提供脚本化的内存 Dialer，用于在没有 broker 的情况下测试上层组件
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
)

var ErrDialRefused = errors.New("transporttest: dial refused")

// Dialer 记录每次拨号；CONNECT 到达时按脚本回复 CONNACK
type Dialer struct {
	mu        sync.Mutex
	codes     []packet.ConnectRespType
	failDials int
	silent    bool
	conns     []*Conn
}

func NewDialer() *Dialer {
	return &Dialer{}
}

// RespondWith 设置后续拨号的 CONNACK 返回码，最后一个会一直沿用
func (d *Dialer) RespondWith(codes ...packet.ConnectRespType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.codes = codes
}

// FailNext 让接下来 n 次拨号直接失败
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failDials = n
}

// Silent 为 true 时新连接不回复 CONNACK
func (d *Dialer) Silent(silent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = silent
}

func (d *Dialer) Dial(ctx context.Context, handler transport.Handler) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failDials > 0 {
		d.failDials--
		d.conns = append(d.conns, nil)
		return nil, ErrDialRefused
	}

	code := packet.Accepted
	if len(d.codes) > 0 {
		code = d.codes[0]
		if len(d.codes) > 1 {
			d.codes = d.codes[1:]
		}
	}

	conn := &Conn{
		id:      fmt.Sprintf("fake-%d", len(d.conns)+1),
		handler: handler,
		code:    code,
		respond: !d.silent,
	}
	conn.active.Store(true)
	d.conns = append(d.conns, conn)
	return conn, nil
}

// Dials 返回拨号次数，包括失败的拨号
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Last 返回最近一次成功拨号得到的连接
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.conns) - 1; i >= 0; i-- {
		if d.conns[i] != nil {
			return d.conns[i]
		}
	}
	return nil
}

// Conn 内存连接，发送的帧被记录下来供断言
type Conn struct {
	id        string
	handler   transport.Handler
	code      packet.ConnectRespType
	respond   bool
	mu        sync.Mutex
	sent      []packet.Frame
	active    atomic.Bool
	closeOnce sync.Once
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Active() bool {
	return c.active.Load()
}

func (c *Conn) Send(frame packet.Frame) error {
	if !c.active.Load() {
		return transport.ErrClosed
	}
	c.mu.Lock()
	c.sent = append(c.sent, frame)
	c.mu.Unlock()

	if frame.Type() == mqtt.CONNECT && c.respond {
		go c.Deliver(packet.NewConnectAckPacket(false, c.code))
	}
	return nil
}

// Deliver 模拟从 broker 收到一帧
func (c *Conn) Deliver(frame packet.Frame) {
	if !c.active.Load() {
		return
	}
	c.handler.OnFrame(c, frame)
}

func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

// Drop 模拟 broker 侧断开
func (c *Conn) Drop() {
	c.shutdown(io.EOF)
}

func (c *Conn) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.active.Store(false)
		c.handler.OnClose(c, reason)
	})
}

func (c *Conn) Sent() []packet.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]packet.Frame(nil), c.sent...)
}

func (c *Conn) SentOfType(packetType mqtt.PacketType) []packet.Frame {
	var frames []packet.Frame
	for _, frame := range c.Sent() {
		if frame.Type() == packetType {
			frames = append(frames, frame)
		}
	}
	return frames
}
