package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	frames chan packet.Frame
	closed chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		frames: make(chan packet.Frame, 16),
		closed: make(chan error, 4),
	}
}

func (h *recordingHandler) OnFrame(_ Conn, frame packet.Frame) {
	h.frames <- frame
}

func (h *recordingHandler) OnClose(_ Conn, err error) {
	h.closed <- err
}

func (h *recordingHandler) nextFrame(t *testing.T) packet.Frame {
	t.Helper()
	select {
	case frame := <-h.frames:
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func (h *recordingHandler) closeReason(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.closed:
		return err
	case <-time.After(time.Second):
		t.Fatal("connection was not closed")
		return nil
	}
}

func TestStreamConnDeliversFramesInOrder(t *testing.T) {
	local, remote := net.Pipe()
	handler := newRecordingHandler()
	conn := NewStreamConn(local, "pipe", handler, StreamOptions{})
	defer conn.Close()

	go func() {
		_, _ = remote.Write(packet.NewConnectAckPacket(false, packet.Accepted).Encode())
		_, _ = remote.Write(packet.NewPubAckPacket(7).Encode())
	}()

	assert.Equal(t, packet.NewConnectAckPacket(false, packet.Accepted), handler.nextFrame(t))
	assert.Equal(t, packet.NewPubAckPacket(7), handler.nextFrame(t))
}

func TestStreamConnSend(t *testing.T) {
	local, remote := net.Pipe()
	conn := NewStreamConn(local, "pipe", newRecordingHandler(), StreamOptions{WriteTimeout: time.Second})
	defer conn.Close()

	received := make(chan *mqtt.Packet, 1)
	go func() {
		raw, err := mqtt.ReadPacket(remote)
		if err == nil {
			received <- raw
		}
	}()

	require.NoError(t, conn.Send(packet.NewPingReqPacket()))
	select {
	case raw := <-received:
		assert.Equal(t, mqtt.PINGREQ, raw.Header.Type)
	case <-time.After(time.Second):
		t.Fatal("PINGREQ not written")
	}
}

func TestStreamConnRemoteClose(t *testing.T) {
	local, remote := net.Pipe()
	handler := newRecordingHandler()
	conn := NewStreamConn(local, "pipe", handler, StreamOptions{})

	require.NoError(t, remote.Close())
	assert.Error(t, handler.closeReason(t))
	<-conn.Done()

	assert.False(t, conn.Active())
	assert.ErrorIs(t, conn.Send(packet.NewPingReqPacket()), ErrClosed)
	assert.Empty(t, handler.closed, "OnClose is reported once")
}

func TestStreamConnLocalClose(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	handler := newRecordingHandler()
	conn := NewStreamConn(local, "pipe", handler, StreamOptions{})

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.NoError(t, handler.closeReason(t))
	<-conn.Done()
	assert.Empty(t, handler.closed)
}

func TestStreamConnClosesOnMalformedPacket(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	handler := newRecordingHandler()
	conn := NewStreamConn(local, "pipe", handler, StreamOptions{})

	go func() { _, _ = remote.Write([]byte{0x00, 0x00}) }()

	assert.Error(t, handler.closeReason(t))
	assert.False(t, conn.Active())
}

func TestStreamConnReadTimeout(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	handler := newRecordingHandler()
	NewStreamConn(local, "pipe", handler, StreamOptions{ReadTimeout: 20 * time.Millisecond})

	err := handler.closeReason(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestTCPDialer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if raw, err := mqtt.ReadPacket(conn); err == nil && raw.Header.Type == mqtt.PINGREQ {
			_, _ = conn.Write(packet.NewPingRespPacket().Encode())
		}
		_, _ = mqtt.ReadPacket(conn)
	}()

	handler := newRecordingHandler()
	dialer := NewTCPDialer(TCPOptions{
		Address:         listener.Addr().String(),
		NoDelay:         true,
		SocketKeepAlive: true,
		SendBuffer:      8192,
		ReceiveBuffer:   8192,
		DialTimeout:     time.Second,
	})
	conn, err := dialer.Dial(context.Background(), handler)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(packet.NewPingReqPacket()))
	assert.Equal(t, mqtt.PINGRESP, handler.nextFrame(t).Type())
}

func TestTCPDialerRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	require.NoError(t, listener.Close())

	_, err = NewTCPDialer(TCPOptions{Address: address, DialTimeout: time.Second}).Dial(context.Background(), newRecordingHandler())
	assert.Error(t, err)
}

func TestWebSocketDialer(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mqtt" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		// CONNACK split across two messages, then two acks in one message
		connack := packet.NewConnectAckPacket(true, packet.Accepted).Encode()
		_ = conn.WriteMessage(websocket.BinaryMessage, connack[:1])
		_ = conn.WriteMessage(websocket.BinaryMessage, connack[1:])
		_ = conn.WriteMessage(websocket.TextMessage, []byte("ignored"))
		acks := append(packet.NewPubAckPacket(1).Encode(), packet.NewPubCompPacket(2).Encode()...)
		_ = conn.WriteMessage(websocket.BinaryMessage, acks)
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	handler := newRecordingHandler()
	dialer := NewWebSocketDialer(WebSocketOptions{
		TCP: TCPOptions{Address: strings.TrimPrefix(server.URL, "http://"), DialTimeout: time.Second},
	})
	assert.True(t, strings.HasSuffix(dialer.URL(), "/mqtt"))

	conn, err := dialer.Dial(context.Background(), handler)
	require.NoError(t, err)

	require.NoError(t, conn.Send(packet.NewPingReqPacket()))
	assert.Equal(t, packet.NewConnectAckPacket(true, packet.Accepted), handler.nextFrame(t))
	assert.Equal(t, packet.NewPubAckPacket(1), handler.nextFrame(t))
	assert.Equal(t, packet.NewPubCompPacket(2), handler.nextFrame(t))

	require.NoError(t, conn.Close())
	assert.NoError(t, handler.closeReason(t))
}
