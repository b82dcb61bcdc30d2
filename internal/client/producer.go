// Package client 提供面向应用的 MQTT 客户端：发布、订阅、确认入站消息，
// 并在断线重连后继续完成未确认的 QoS 流程
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/retry"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/session"
	"github.com/panjf2000/ants/v2"
)

type Producer struct {
	options       Options
	ids           *session.PacketIDManager
	cache         *session.Cache
	subscriptions *session.SubscriptionSet
	scanner       *retry.Scanner
	timer         *retry.SubscriptionTimer
	manager       *connection.Manager
	receipts      *expirable.LRU[uint16, struct{}]
	pool          *ants.Pool
	routes        *router

	// pending 等待 SUBACK / UNSUBACK 的请求
	pendingMu sync.Mutex
	pending   map[uint16]packet.Frame

	// background 读协程上排队受阻时转交出去的等待
	background sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
}

func New(options Options) (*Producer, error) {
	if options.Dialer == nil {
		return nil, ErrNoDialer
	}
	if options.ClientID == "" {
		options.ClientID = config.GenerateClientID("")
	}
	if options.ReceiptCacheSize <= 0 {
		options.ReceiptCacheSize = DefaultReceiptCacheSize
	}

	if options.ReceiptTTL <= 0 {
		options.ReceiptTTL = DefaultReceiptTTL
	}

	p := &Producer{
		options:       options,
		ids:           session.NewPacketIDManager(),
		cache:         session.NewCache(),
		subscriptions: session.NewSubscriptionSet(),
		timer:         retry.NewSubscriptionTimer(options.SubscribeRetryPeriod),
		receipts:      expirable.NewLRU[uint16, struct{}](options.ReceiptCacheSize, nil, options.ReceiptTTL),
		routes:        newRouter(),
		pending:       make(map[uint16]packet.Frame),
	}

	if options.ListenerPoolSize > 0 {
		var err error
		p.pool, err = ants.NewPool(options.ListenerPoolSize)
		if err != nil {
			return nil, fmt.Errorf("create listener pool: %w", err)
		}
	}

	p.manager = connection.NewManager(connection.Options{
		Dialer:         options.Dialer,
		Handler:        &dispatcher{producer: p},
		Connect:        options.connectPacket(),
		ConnectTimeout: options.ConnectTimeout,
		ReconnectDelay: options.ReconnectDelay,
		Subscriptions:  p.subscriptions,
	})
	p.scanner = retry.NewScanner(p.cache, p.manager, retry.ScannerOptions{
		Period:   options.MinRetryPeriod,
		Capacity: options.QueueCapacity,
	})
	p.scanner.Start()
	return p, nil
}

func (p *Producer) ClientID() string {
	return p.options.ClientID
}

// Connect 阻塞直到首次握手结束。broker 拒绝时返回错误；网络失败时在后台重连并返回 nil
func (p *Producer) Connect(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return p.manager.Connect(ctx)
}

func (p *Producer) Active() bool {
	return p.manager.Active()
}

func (p *Producer) State() connection.State {
	return p.manager.State()
}

// Err 返回导致连接终止的错误
func (p *Producer) Err() error {
	return p.manager.Err()
}

// Outstanding 返回尚未完成确认的操作数
func (p *Producer) Outstanding() int {
	return p.cache.Len()
}

func (p *Producer) Subscriptions() []packet.Subscription {
	return p.subscriptions.Snapshot()
}

func (p *Producer) Publish(topic string, payload []byte, qos byte, retain bool) (uint16, error) {
	frame := packet.NewPublishPacket(topic, payload, qos, retain)
	if err := p.PublishMessage(frame); err != nil {
		return 0, err
	}
	return frame.PacketID, nil
}

// PublishMessage 发布一条消息。QoS > 0 时使用帧中已有的标识符（并占用它）或分配一个新的，
// 登记到未确认缓存后发送；发送失败由重发扫描器在连接恢复后补发
func (p *Producer) PublishMessage(frame *packet.PublishPacketPayloads) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := frame.Validate(); err != nil {
		return err
	}

	if frame.PacketFlag.QoS == mqtt.AtMostOnce {
		frame.PacketID = 0
		return p.manager.Send(frame)
	}

	if err := p.acquireID(&frame.PacketID); err != nil {
		return err
	}

	record := session.NewPublishRecord(frame, time.Now())
	if !p.cache.Put(record) {
		p.ids.ReleaseID(frame.PacketID)
		return fmt.Errorf("publish %d: %w", frame.PacketID, session.ErrPacketIDInUse)
	}
	p.enqueue(record)

	if err := p.manager.Send(frame); err != nil {
		logger.DebugF("Publish %d to %s deferred to retry: %v", frame.PacketID, frame.TopicName, err)
	}
	return nil
}

// AcknowledgeReceipt 为入站 QoS 2 消息登记 PUBREC 并发送，直到收到 PUBREL 为止会被重发
func (p *Producer) AcknowledgeReceipt(packetID uint16) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if packetID == 0 {
		return session.ErrZeroPacketID
	}

	record := session.NewReceiptRecord(packetID, time.Now())
	if p.cache.Put(record) {
		p.enqueueLater(record)
	}
	if err := p.manager.Send(packet.NewPubRecPacket(packetID)); err != nil {
		logger.DebugF("PUBREC %d deferred to retry: %v", packetID, err)
	}
	return nil
}

func (p *Producer) Subscribe(subscriptions ...packet.Subscription) (uint16, error) {
	frame := packet.NewSubscribePacket(0, subscriptions...)
	if err := p.SubscribeMessage(frame); err != nil {
		return 0, err
	}
	return frame.PacketID, nil
}

// SubscribeMessage 更新订阅集合并发送 SUBSCRIBE，在 SUBACK 到达前周期性重发
func (p *Producer) SubscribeMessage(frame *packet.SubscribePacketPayloads) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := frame.Validate(); err != nil {
		return err
	}
	if err := p.acquireID(&frame.PacketID); err != nil {
		return err
	}
	p.subscriptions.Add(frame.Subscriptions...)
	p.request(frame.PacketID, frame)
	return nil
}

func (p *Producer) Unsubscribe(filters ...string) (uint16, error) {
	frame := packet.NewUnSubscribePacket(0, filters...)
	if err := p.UnsubscribeMessage(frame); err != nil {
		return 0, err
	}
	return frame.PacketID, nil
}

func (p *Producer) UnsubscribeMessage(frame *packet.UnSubscribePacketPayloads) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := frame.Validate(); err != nil {
		return err
	}
	if err := p.acquireID(&frame.PacketID); err != nil {
		return err
	}
	p.subscriptions.Remove(frame.TopicFilters...)
	p.request(frame.PacketID, frame)
	return nil
}

// request 发送订阅类请求并启动其重发定时器，连接不可用时的重发被跳过
func (p *Producer) request(packetID uint16, frame packet.Frame) {
	p.pendingMu.Lock()
	p.pending[packetID] = frame
	p.pendingMu.Unlock()

	p.timer.Schedule(packetID, func() {
		if !p.manager.Active() {
			return
		}
		if err := p.manager.Send(frame); err != nil {
			logger.DebugF("Resend %s %d failed: %v", frame.Type(), packetID, err)
		}
	})

	if err := p.manager.Send(frame); err != nil {
		logger.DebugF("%s %d deferred to retry: %v", frame.Type(), packetID, err)
	}
}

// settle 结束一个订阅类请求，返回原请求帧
func (p *Producer) settle(packetID uint16) (packet.Frame, bool) {
	p.pendingMu.Lock()
	frame, ok := p.pending[packetID]
	delete(p.pending, packetID)
	p.pendingMu.Unlock()
	if !ok {
		return nil, false
	}
	p.timer.Cancel(packetID)
	p.ids.ReleaseID(packetID)
	return frame, true
}

func (p *Producer) acquireID(id *uint16) error {
	if *id != 0 {
		return p.ids.Reserve(*id)
	}
	next, err := p.ids.NextID()
	if err != nil {
		return err
	}
	*id = next
	return nil
}

// enqueue 在队列满时忙等，直到被接受或客户端关闭
func (p *Producer) enqueue(record session.Record) {
	for !p.scanner.Enqueue(record) {
		if p.closed.Load() {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// enqueueLater 不阻塞调用方，队列满时由后台协程继续等待。
// 入站报文的处理走这里，读协程不能被写满的队列卡住
func (p *Producer) enqueueLater(record session.Record) {
	if p.scanner.Enqueue(record) {
		return
	}
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		p.enqueue(record)
	}()
}

// Handle 为匹配 filter 的入站消息注册处理函数，同一过滤器再次注册会替换旧函数。
// 没有任何处理函数匹配的消息交给 Listener
func (p *Producer) Handle(filter string, handler MessageHandler) error {
	return p.routes.add(filter, handler)
}

func (p *Producer) RemoveHandler(filter string) bool {
	return p.routes.remove(filter)
}

func (p *Producer) dispatch(fn func()) {
	if p.pool == nil {
		fn()
		return
	}
	if err := p.pool.Submit(fn); err != nil {
		logger.WarnF("Listener pool unavailable, calling listener inline: %v", err)
		fn()
	}
}

func (p *Producer) notify(fn func(listener Listener)) {
	listener := p.options.Listener
	if listener == nil {
		return
	}
	p.dispatch(func() { fn(listener) })
}

// Close 关闭连接并停止所有后台任务，可重复调用。
// 未确认的记录随之丢弃，所有报文标识符被释放
func (p *Producer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		err = p.manager.Close()
		if stopErr := p.scanner.Stop(); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		p.timer.Stop()
		p.background.Wait()
		if p.pool != nil {
			if releaseErr := p.pool.ReleaseTimeout(5 * time.Second); releaseErr != nil {
				logger.WarnF("Listener pool did not drain: %v", releaseErr)
			}
		}
		dropped := p.cache.Clear()
		p.ids.Reset()
		p.receipts.Purge()
		p.pendingMu.Lock()
		clear(p.pending)
		p.pendingMu.Unlock()
		logger.InfoF("Client %s closed, %d operations left unacknowledged", p.options.ClientID, dropped)
	})
	return err
}

// Invoke 供 event.Cleaner 在退出时调用
func (p *Producer) Invoke(_ context.Context) error {
	return p.Close()
}
