package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/session"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testDelay   = 20 * time.Millisecond
	testTimeout = time.Second
)

type recordingHandler struct {
	mu          sync.Mutex
	frames      []packet.Frame
	resubscribe [][]packet.Subscription
	terminated  chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{terminated: make(chan error, 1)}
}

func (h *recordingHandler) HandleFrame(frame packet.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frame)
}

func (h *recordingHandler) Resubscribe(subscriptions []packet.Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resubscribe = append(h.resubscribe, subscriptions)
}

func (h *recordingHandler) Terminated(err error) {
	h.terminated <- err
}

func (h *recordingHandler) handled() []packet.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]packet.Frame(nil), h.frames...)
}

func (h *recordingHandler) replays() [][]packet.Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]packet.Subscription(nil), h.resubscribe...)
}

func newTestManager(t *testing.T, dialer *transporttest.Dialer, handler Handler, subscriptions *session.SubscriptionSet) *Manager {
	t.Helper()
	manager := NewManager(Options{
		Dialer:  dialer,
		Handler: handler,
		Connect: packet.ConnectPacketPayloads{
			ConnectFlag:      packet.ConnectPacketFlag{CleanSession: true},
			ClientIdentifier: "manager-test",
		},
		ConnectTimeout: 100 * time.Millisecond,
		ReconnectDelay: testDelay,
		Subscriptions:  subscriptions,
	})
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestConnectAccepted(t *testing.T) {
	dialer := transporttest.NewDialer()
	manager := newTestManager(t, dialer, newRecordingHandler(), nil)

	require.NoError(t, manager.Connect(context.Background()))
	assert.Equal(t, Connected, manager.State())
	assert.True(t, manager.Active())

	sent := dialer.Last().Sent()
	require.NotEmpty(t, sent)
	connect, ok := sent[0].(*packet.ConnectPacketPayloads)
	require.True(t, ok)
	assert.Equal(t, "manager-test", connect.ClientIdentifier)
}

func TestConnectTwiceKeepsOneConnection(t *testing.T) {
	dialer := transporttest.NewDialer()
	manager := newTestManager(t, dialer, newRecordingHandler(), nil)

	require.NoError(t, manager.Connect(context.Background()))
	first := dialer.Last()
	require.NoError(t, manager.Connect(context.Background()))

	assert.Equal(t, 1, dialer.Dials())
	assert.Same(t, first, dialer.Last())
	assert.True(t, first.Active())
	assert.Equal(t, Connected, manager.State())
}

func TestConnectWhileReconnectingLeavesSupervisorInCharge(t *testing.T) {
	dialer := transporttest.NewDialer()
	dialer.FailNext(1000)
	manager := newTestManager(t, dialer, newRecordingHandler(), nil)

	require.NoError(t, manager.Connect(context.Background()))
	require.Eventually(t, func() bool { return manager.State() == Reconnecting }, time.Second, testDelay)
	require.NoError(t, manager.Connect(context.Background()))
	assert.Equal(t, Reconnecting, manager.State())
}

func TestConnectRejectionIsTerminal(t *testing.T) {
	tests := []struct {
		code     packet.ConnectRespType
		sentinel error
	}{
		{packet.UnacceptableProtocol, ErrUnsupportedProtocolVersion},
		{packet.IdentifierRejected, ErrIdentifierRejected},
		{packet.ServerUnavailable, ErrServerUnavailable},
		{packet.BadCredentials, ErrBadCredentials},
		{packet.NotAuthorized, ErrNotAuthorized},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			dialer := transporttest.NewDialer()
			dialer.RespondWith(tt.code)
			manager := newTestManager(t, dialer, newRecordingHandler(), nil)

			err := manager.Connect(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			var rejected *RejectedError
			require.ErrorAs(t, err, &rejected)
			assert.Equal(t, tt.code, rejected.Code)

			assert.False(t, dialer.Last().Active(), "rejected connection is closed")
			assert.False(t, manager.Active())
			assert.ErrorIs(t, manager.Err(), tt.sentinel)

			time.Sleep(5 * testDelay)
			assert.Equal(t, 1, dialer.Dials(), "no reconnect after a rejection")
		})
	}
}

func TestConnectTimeoutFallsBackToReconnect(t *testing.T) {
	dialer := transporttest.NewDialer()
	dialer.Silent(true)
	manager := newTestManager(t, dialer, newRecordingHandler(), nil)

	require.NoError(t, manager.Connect(context.Background()))
	assert.False(t, manager.Active())

	dialer.Silent(false)
	require.Eventually(t, manager.Active, testTimeout, testDelay)
	assert.Equal(t, Connected, manager.State())
	assert.GreaterOrEqual(t, dialer.Dials(), 2)
}

func TestConnectRetriesFailedDials(t *testing.T) {
	dialer := transporttest.NewDialer()
	dialer.FailNext(2)
	manager := newTestManager(t, dialer, newRecordingHandler(), nil)

	require.NoError(t, manager.Connect(context.Background()))
	require.Eventually(t, manager.Active, testTimeout, testDelay)
	assert.Equal(t, 3, dialer.Dials())
}

func TestReconnectReplaysSubscriptionsOnce(t *testing.T) {
	subscriptions := session.NewSubscriptionSet()
	subscriptions.Add(
		packet.Subscription{TopicFilter: "a/#", QoS: mqtt.AtLeastOnce},
		packet.Subscription{TopicFilter: "b/+", QoS: mqtt.ExactlyOnce},
	)
	dialer := transporttest.NewDialer()
	handler := newRecordingHandler()
	manager := newTestManager(t, dialer, handler, subscriptions)

	require.NoError(t, manager.Connect(context.Background()))
	assert.Empty(t, handler.replays(), "the first connect does not replay")

	first := dialer.Last()
	first.Drop()
	assert.False(t, manager.Active())

	require.Eventually(t, func() bool { return manager.Active() && dialer.Dials() == 2 }, testTimeout, testDelay)
	require.Eventually(t, func() bool { return len(handler.replays()) == 1 }, testTimeout, testDelay)

	time.Sleep(5 * testDelay)
	replays := handler.replays()
	require.Len(t, replays, 1)
	assert.Equal(t, subscriptions.Snapshot(), replays[0])
	assert.Equal(t, 2, dialer.Dials())
}

func TestLateCloseOfOldConnectionIsIgnored(t *testing.T) {
	dialer := transporttest.NewDialer()
	manager := newTestManager(t, dialer, newRecordingHandler(), nil)
	require.NoError(t, manager.Connect(context.Background()))

	first := dialer.Last()
	first.Drop()
	require.Eventually(t, func() bool { return manager.Active() && dialer.Dials() == 2 }, testTimeout, testDelay)

	first.Drop()
	time.Sleep(3 * testDelay)
	assert.True(t, manager.Active())
	assert.Equal(t, 2, dialer.Dials())
}

func TestRejectionDuringReconnectCloses(t *testing.T) {
	dialer := transporttest.NewDialer()
	handler := newRecordingHandler()
	manager := newTestManager(t, dialer, handler, nil)
	require.NoError(t, manager.Connect(context.Background()))

	dialer.RespondWith(packet.NotAuthorized)
	dialer.Last().Drop()

	select {
	case err := <-handler.terminated:
		assert.ErrorIs(t, err, ErrNotAuthorized)
	case <-time.After(testTimeout):
		t.Fatal("rejection was not reported")
	}
	assert.Equal(t, Closed, manager.State())
	assert.ErrorIs(t, manager.Err(), ErrNotAuthorized)

	time.Sleep(5 * testDelay)
	assert.Equal(t, 2, dialer.Dials())
}

func TestFramesAreForwardedAfterHandshake(t *testing.T) {
	dialer := transporttest.NewDialer()
	handler := newRecordingHandler()
	manager := newTestManager(t, dialer, handler, nil)
	require.NoError(t, manager.Connect(context.Background()))

	conn := dialer.Last()
	conn.Deliver(packet.NewPingRespPacket())
	conn.Deliver(packet.NewPubAckPacket(7))

	assert.Equal(t, []packet.Frame{packet.NewPubAckPacket(7)}, handler.handled())
}

func TestSendRequiresConnection(t *testing.T) {
	dialer := transporttest.NewDialer()
	manager := newTestManager(t, dialer, newRecordingHandler(), nil)

	assert.ErrorIs(t, manager.Send(packet.NewPingReqPacket()), ErrNotConnected)

	require.NoError(t, manager.Connect(context.Background()))
	require.NoError(t, manager.Send(packet.NewPubAckPacket(3)))
	assert.Equal(t, []packet.Frame{packet.NewPubAckPacket(3)}, dialer.Last().SentOfType(mqtt.PUBACK))
}

func TestKeepAlivePings(t *testing.T) {
	dialer := transporttest.NewDialer()
	manager := NewManager(Options{
		Dialer:         dialer,
		Handler:        newRecordingHandler(),
		Connect:        packet.ConnectPacketPayloads{ClientIdentifier: "ping-test", KeepAlive: 60},
		ReconnectDelay: testDelay,
		KeepAlive:      testDelay,
	})
	defer manager.Close()

	require.NoError(t, manager.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return len(dialer.Last().SentOfType(mqtt.PINGREQ)) >= 2
	}, testTimeout, testDelay)
}

func TestCloseSendsDisconnect(t *testing.T) {
	dialer := transporttest.NewDialer()
	manager := newTestManager(t, dialer, newRecordingHandler(), nil)
	require.NoError(t, manager.Connect(context.Background()))
	conn := dialer.Last()

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	assert.Len(t, conn.SentOfType(mqtt.DISCONNECT), 1)
	assert.False(t, conn.Active())
	assert.Equal(t, Closed, manager.State())
	assert.ErrorIs(t, manager.Connect(context.Background()), ErrClosed)
	assert.ErrorIs(t, manager.Send(packet.NewPingReqPacket()), ErrNotConnected)

	time.Sleep(3 * testDelay)
	assert.Equal(t, 1, dialer.Dials())
}

func TestConnectHonoursContext(t *testing.T) {
	dialer := transporttest.NewDialer()
	dialer.Silent(true)
	manager := newTestManager(t, dialer, newRecordingHandler(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := manager.Connect(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, Disconnected, manager.State())
}
