package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
)

type TCPOptions struct {
	Address         string
	NoDelay         bool
	SocketKeepAlive bool
	SendBuffer      int
	ReceiveBuffer   int
	DialTimeout     time.Duration
	Stream          StreamOptions
}

type TCPDialer struct {
	options TCPOptions
}

func NewTCPDialer(options TCPOptions) *TCPDialer {
	return &TCPDialer{options: options}
}

func (d *TCPDialer) Dial(ctx context.Context, handler Handler) (Conn, error) {
	conn, err := d.options.dial(ctx, d.options.Address)
	if err != nil {
		return nil, err
	}

	connID := conn.LocalAddr().String()
	logger.DebugF("[%s] Connected to %s", connID, conn.RemoteAddr().String())
	return NewStreamConn(conn, connID, handler, d.options.Stream), nil
}

// dial 建立 TCP 连接并应用 socket 选项，WebSocket 传输也经由这里拨号
func (o TCPOptions) dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: o.DialTimeout}
	if !o.SocketKeepAlive {
		dialer.KeepAlive = -1
	}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := o.tune(tcpConn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (o TCPOptions) tune(conn *net.TCPConn) error {
	if err := conn.SetNoDelay(o.NoDelay); err != nil {
		return fmt.Errorf("set TCP_NODELAY: %w", err)
	}
	if o.SendBuffer > 0 {
		if err := conn.SetWriteBuffer(o.SendBuffer); err != nil {
			return fmt.Errorf("set send buffer: %w", err)
		}
	}
	if o.ReceiveBuffer > 0 {
		if err := conn.SetReadBuffer(o.ReceiveBuffer); err != nil {
			return fmt.Errorf("set receive buffer: %w", err)
		}
	}
	return nil
}
