package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
)

const Subprotocol = "mqtt"

type WebSocketOptions struct {
	TCP    TCPOptions
	Path   string
	Header http.Header
}

// WebSocketDialer 通过 MQTT over WebSocket 连接 broker，帧以二进制消息承载
type WebSocketDialer struct {
	options WebSocketOptions
	dialer  websocket.Dialer
}

func NewWebSocketDialer(options WebSocketOptions) *WebSocketDialer {
	if options.Path == "" {
		options.Path = "/mqtt"
	}
	d := &WebSocketDialer{options: options}
	d.dialer = websocket.Dialer{
		HandshakeTimeout: options.TCP.DialTimeout,
		Subprotocols:     []string{Subprotocol},
		NetDialContext: func(ctx context.Context, _, address string) (net.Conn, error) {
			return options.TCP.dial(ctx, address)
		},
	}
	return d
}

func (d *WebSocketDialer) URL() string {
	u := url.URL{Scheme: "ws", Host: d.options.TCP.Address, Path: d.options.Path}
	return u.String()
}

func (d *WebSocketDialer) Dial(ctx context.Context, handler Handler) (Conn, error) {
	target := d.URL()
	conn, resp, err := d.dialer.DialContext(ctx, target, d.options.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	if conn.Subprotocol() != Subprotocol {
		logger.WarnF("Broker at %s did not confirm the %s subprotocol", target, Subprotocol)
	}

	connID := conn.LocalAddr().String()
	logger.DebugF("[%s] Connected to %s", connID, target)
	return NewStreamConn(newWebSocketStream(conn), connID, handler, d.options.TCP.Stream), nil
}

// webSocketStream 把消息流还原为字节流，MQTT 帧不保证与消息边界对齐
type webSocketStream struct {
	conn   *websocket.Conn
	reader io.Reader
}

func newWebSocketStream(conn *websocket.Conn) *webSocketStream {
	return &webSocketStream{conn: conn}
}

func (s *webSocketStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			messageType, reader, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			s.reader = reader
		}

		n, err := s.reader.Read(p)
		if errors.Is(err, io.EOF) {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *webSocketStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *webSocketStream) Close() error {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	return s.conn.Close()
}

func (s *webSocketStream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *webSocketStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}
