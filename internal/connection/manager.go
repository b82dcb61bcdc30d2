// Package connection 管理到 broker 的连接：握手、断线检测、重连与订阅恢复、心跳
package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/session"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
	"gopkg.in/tomb.v2"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectDelay = 2 * time.Second
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

var stateNames = map[State]string{
	Disconnected: "DISCONNECTED",
	Connecting:   "CONNECTING",
	Connected:    "CONNECTED",
	Reconnecting: "RECONNECTING",
	Closed:       "CLOSED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Handler 接收握手成功后的入站帧以及连接生命周期事件
type Handler interface {
	HandleFrame(frame packet.Frame)
	// Resubscribe 在重连成功后调用一次，参数为当前订阅集合的快照
	Resubscribe(subscriptions []packet.Subscription)
	// Terminated 在后台重连被 broker 拒绝、管理器进入 CLOSED 时调用
	Terminated(err error)
}

type Options struct {
	Dialer  transport.Dialer
	Handler Handler
	// Connect 每次握手发送的 CONNECT 模板
	Connect        packet.ConnectPacketPayloads
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	// KeepAlive 为 0 时按 CONNECT 中的 KeepAlive 秒数发送 PINGREQ
	KeepAlive     time.Duration
	Subscriptions *session.SubscriptionSet
}

type Manager struct {
	options Options
	state   atomic.Int32
	current atomic.Pointer[attempt]
	lost    chan struct{}

	// establishMu 保证同一时间只有一次握手
	establishMu sync.Mutex
	// connectMu 串行化 Connect，后台重连已接管时重复调用直接返回
	connectMu sync.Mutex

	lifecycleMu sync.Mutex
	started     bool
	tmb         tomb.Tomb
	closeOnce   sync.Once

	errMu sync.Mutex
	err   error
}

func NewManager(options Options) *Manager {
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}
	if options.ReconnectDelay <= 0 {
		options.ReconnectDelay = DefaultReconnectDelay
	}
	if options.KeepAlive <= 0 {
		options.KeepAlive = time.Duration(options.Connect.KeepAlive) * time.Second
	}
	return &Manager{
		options: options,
		lost:    make(chan struct{}, 1),
	}
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

// transition 切换状态，CLOSED 之后不再变化
func (m *Manager) transition(to State) bool {
	for {
		from := m.state.Load()
		if State(from) == Closed {
			return false
		}
		if m.state.CompareAndSwap(from, int32(to)) {
			if State(from) != to {
				logger.DebugF("Connection state %s -> %s", State(from), to)
			}
			return true
		}
	}
}

func (m *Manager) Active() bool {
	a := m.current.Load()
	return a != nil && a.conn.Active()
}

// Err 返回导致管理器终止的错误
func (m *Manager) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

func (m *Manager) setErr(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	m.err = err
}

// Send 通过当前活动连接发送一帧
func (m *Manager) Send(frame packet.Frame) error {
	a := m.current.Load()
	if a == nil || !a.conn.Active() {
		return ErrNotConnected
	}
	return a.conn.Send(frame)
}

// Connect 进行首次握手，阻塞直到 CONNACK、超时或 ctx 取消。
// broker 拒绝时返回 *RejectedError 且不会重连；其余失败转入后台重连并返回 nil。
// 已连接或正在后台重连时不会再次拨号。
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()
	if m.State() == Closed {
		return ErrClosed
	}
	if m.supervising() {
		logger.DebugF("Connect ignored, connection is %s", m.State())
		return nil
	}
	m.transition(Connecting)

	err := m.establish(ctx)
	switch {
	case err == nil:
		logger.InfoF("Connected to broker as %s", m.options.Connect.ClientIdentifier)
		return m.startSupervisor()
	case IsRejected(err):
		logger.ErrorF("Broker refused connection: %v", err)
		m.setErr(err)
		m.transition(Disconnected)
		return err
	case errors.Is(err, ErrClosed):
		return err
	case ctx.Err() != nil:
		m.transition(Disconnected)
		return ctx.Err()
	}

	logger.WarnF("Fail to connect to broker, details: %v, retrying in background", err)
	m.transition(Reconnecting)
	if err := m.startSupervisor(); err != nil {
		return err
	}
	m.signalLost()
	return nil
}

func (m *Manager) startSupervisor() error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.State() == Closed {
		return ErrClosed
	}
	if !m.started {
		m.started = true
		m.tmb.Go(m.run)
	}
	return nil
}

func (m *Manager) supervising() bool {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.started
}

func (m *Manager) signalLost() {
	select {
	case m.lost <- struct{}{}:
	default:
	}
}

func (m *Manager) establish(ctx context.Context) error {
	m.establishMu.Lock()
	defer m.establishMu.Unlock()

	if m.State() == Closed {
		return ErrClosed
	}

	a := &attempt{manager: m, gate: newGate()}
	conn, err := m.options.Dialer.Dial(ctx, a)
	if err != nil {
		return err
	}
	a.conn = conn

	connect := m.options.Connect
	if err := conn.Send(&connect); err != nil {
		_ = conn.Close()
		return err
	}

	code, err := a.gate.wait(ctx, m.options.ConnectTimeout)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if code != packet.Accepted {
		_ = conn.Close()
		return &RejectedError{Code: code}
	}

	if !m.transition(Connected) {
		_ = conn.Close()
		return ErrClosed
	}
	m.current.Store(a)
	// 连接可能在 Store 之前就已经断开，此时 OnClose 不会认领它
	if !conn.Active() {
		m.current.CompareAndSwap(a, nil)
		return ErrConnectionLost
	}
	if m.State() == Closed {
		if m.current.CompareAndSwap(a, nil) {
			_ = conn.Close()
		}
		return ErrClosed
	}
	return nil
}

func (m *Manager) run() error {
	var keepAlive <-chan time.Time
	if m.options.KeepAlive > 0 {
		ticker := time.NewTicker(m.options.KeepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case <-m.tmb.Dying():
			return nil
		case <-m.lost:
			if !m.reconnect() {
				return nil
			}
		case <-keepAlive:
			m.ping()
		}
	}
}

// reconnect 以固定间隔无限重试，直到成功、被拒绝或管理器关闭。返回 false 表示监督协程应退出。
func (m *Manager) reconnect() bool {
	if m.Active() {
		return true
	}
	if !m.transition(Reconnecting) {
		return false
	}

	// 把 ctx 与 tomb 绑定，关闭时中断正在进行的拨号与握手
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-m.tmb.Dying():
			cancel()
		}
	}()

	select {
	case <-ctx.Done():
		return false
	case <-time.After(m.options.ReconnectDelay):
	}

	operation := func() error {
		err := m.establish(ctx)
		if IsRejected(err) || errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		logger.WarnF("Reconnect failed, details: %v, retrying in %s", err, next)
	}
	policy := backoff.WithContext(backoff.NewConstantBackOff(m.options.ReconnectDelay), ctx)

	err := backoff.RetryNotify(operation, policy, notify)
	switch {
	case err == nil:
		logger.Info("Reconnected to broker")
		m.replay()
		return true
	case IsRejected(err):
		logger.ErrorF("Broker refused reconnection, giving up: %v", err)
		m.setErr(err)
		m.state.Store(int32(Closed))
		if m.options.Handler != nil {
			m.options.Handler.Terminated(err)
		}
		return false
	}
	return false
}

func (m *Manager) replay() {
	if m.options.Subscriptions == nil || m.options.Handler == nil {
		return
	}
	subscriptions := m.options.Subscriptions.Snapshot()
	if len(subscriptions) == 0 {
		return
	}
	logger.InfoF("Restoring %d subscriptions", len(subscriptions))
	m.options.Handler.Resubscribe(subscriptions)
}

func (m *Manager) ping() {
	if err := m.Send(packet.NewPingReqPacket()); err != nil && !errors.Is(err, ErrNotConnected) {
		logger.WarnF("Fail to send PINGREQ packet, details: %v", err)
	}
}

// connectionClosed 仅处理当前活动连接的关闭，旧连接的迟到通知被忽略
func (m *Manager) connectionClosed(a *attempt, err error) {
	if !m.current.CompareAndSwap(a, nil) {
		return
	}
	if m.State() == Closed {
		return
	}
	if err != nil {
		logger.WarnF("[%s] Connection lost, details: %v", a.conn.ID(), err)
	} else {
		logger.WarnF("[%s] Connection lost", a.conn.ID())
	}
	if m.transition(Reconnecting) {
		m.signalLost()
	}
}

// Close 尽力发送 DISCONNECT，关闭连接并停止后台协程，可重复调用
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.state.Store(int32(Closed))

		m.lifecycleMu.Lock()
		started := m.started
		m.lifecycleMu.Unlock()
		if started {
			m.tmb.Kill(nil)
		}

		if a := m.current.Swap(nil); a != nil {
			if sendErr := a.conn.Send(packet.NewDisconnectPacket()); sendErr != nil {
				logger.DebugF("[%s] Fail to send DISCONNECT packet, details: %v", a.conn.ID(), sendErr)
			}
			err = a.conn.Close()
		}

		if started {
			if waitErr := m.tmb.Wait(); waitErr != nil && err == nil {
				err = waitErr
			}
		}
		logger.Info("Connection manager closed")
	})
	return err
}

// attempt 一次拨号及其握手，作为该连接的 transport.Handler
type attempt struct {
	manager *Manager
	gate    *gate
	conn    transport.Conn
}

func (a *attempt) OnFrame(conn transport.Conn, frame packet.Frame) {
	if connack, ok := frame.(*packet.ConnectAckPacketPayloads); ok {
		logger.DebugF("[%s] Receive CONNACK, return code %s", conn.ID(), connack.ReturnCode)
		a.gate.release(connack.ReturnCode)
		return
	}
	if !a.gate.accepted() {
		logger.WarnF("[%s] Drop %s packet received before CONNACK", conn.ID(), frame.Type())
		return
	}
	if frame.Type() == mqtt.PINGRESP {
		return
	}
	if handler := a.manager.options.Handler; handler != nil {
		handler.HandleFrame(frame)
	}
}

func (a *attempt) OnClose(_ transport.Conn, err error) {
	a.gate.fail(ErrConnectionLost)
	a.manager.connectionClosed(a, err)
}
