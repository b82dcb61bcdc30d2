package client

import (
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/session"
)

// dispatcher 处理握手后的入站帧，所有方法都在连接的读协程中串行执行
type dispatcher struct {
	producer *Producer
}

func (d *dispatcher) HandleFrame(frame packet.Frame) {
	p := d.producer
	switch f := frame.(type) {
	case *packet.PublishPacketPayloads:
		p.handlePublish(f)
	case *packet.AckPacket:
		switch f.PacketType {
		case mqtt.PUBACK:
			p.handlePubAck(f.PacketID)
		case mqtt.PUBREC:
			p.handlePubRec(f.PacketID)
		case mqtt.PUBREL:
			p.handlePubRel(f.PacketID)
		case mqtt.PUBCOMP:
			p.handlePubComp(f.PacketID)
		case mqtt.UNSUBACK:
			if _, ok := p.settle(f.PacketID); !ok {
				logger.DebugF("Ignore UNSUBACK for unknown packet %d", f.PacketID)
			}
		}
	case *packet.SubAckPacketPayloads:
		p.handleSubAck(f)
	default:
		logger.WarnF("Ignore unexpected %s packet from broker", frame.Type())
	}
}

func (d *dispatcher) Resubscribe(subscriptions []packet.Subscription) {
	if _, err := d.producer.Subscribe(subscriptions...); err != nil {
		logger.ErrorF("Fail to restore subscriptions, details: %v", err)
		d.producer.notify(func(listener Listener) { listener.OnError(err) })
	}
}

func (d *dispatcher) Terminated(err error) {
	d.producer.notify(func(listener Listener) { listener.OnError(err) })
}

func (p *Producer) handlePubAck(packetID uint16) {
	key := session.OutboundKey(packetID)
	record, ok := p.cache.Get(key)
	if !ok {
		logger.DebugF("Ignore PUBACK for unknown packet %d", packetID)
		return
	}
	if record.QoS != mqtt.AtLeastOnce {
		logger.WarnF("Ignore PUBACK for QoS %d packet %d", record.QoS, packetID)
		return
	}
	if _, removed := p.cache.Remove(key); removed {
		p.ids.ReleaseID(packetID)
	}
}

func (p *Producer) handlePubRec(packetID uint16) {
	key := session.OutboundKey(packetID)
	record, ok := p.cache.Get(key)
	if !ok {
		logger.DebugF("Ignore PUBREC for unknown packet %d", packetID)
		return
	}
	if record.QoS != mqtt.ExactlyOnce {
		logger.WarnF("Ignore PUBREC for QoS %d packet %d", record.QoS, packetID)
		return
	}

	release := packet.NewPubRelPacket(packetID)
	if record.Status >= session.StatusPubRec {
		// 重复的 PUBREC 只补发 PUBREL，状态不变
		if err := p.manager.Send(release); err != nil {
			logger.DebugF("PUBREL %d deferred to retry: %v", packetID, err)
		}
		return
	}

	p.cache.Advance(key, session.StatusPubRec)
	if err := p.manager.Send(release); err != nil {
		logger.DebugF("PUBREL %d deferred to retry: %v", packetID, err)
	}
	advanced, ok := p.cache.Advance(key, session.StatusPubComp)
	if !ok {
		return
	}
	advanced.SentAt = time.Now()
	p.cache.Touch(advanced)
	p.enqueueLater(advanced)
}

func (p *Producer) handlePubComp(packetID uint16) {
	key := session.OutboundKey(packetID)
	record, ok := p.cache.Get(key)
	if !ok || record.QoS != mqtt.ExactlyOnce {
		logger.DebugF("Ignore PUBCOMP for unknown packet %d", packetID)
		return
	}
	if record.Status < session.StatusPubComp {
		// PUBREL 尚未发出，多半是上一次使用该标识符时的重复 PUBCOMP
		logger.WarnF("Ignore PUBCOMP for packet %d in state %s", packetID, record.Status)
		return
	}
	if _, removed := p.cache.Remove(key); removed {
		p.ids.ReleaseID(packetID)
	}
}

// handlePubRel 完成入站 QoS 2 流程，无论是否仍有记录都回复 PUBCOMP
func (p *Producer) handlePubRel(packetID uint16) {
	p.cache.Remove(session.InboundKey(packetID))
	p.receipts.Remove(packetID)
	if err := p.manager.Send(packet.NewPubCompPacket(packetID)); err != nil {
		logger.DebugF("PUBCOMP %d not sent: %v", packetID, err)
	}
}

func (p *Producer) handleSubAck(ack *packet.SubAckPacketPayloads) {
	frame, ok := p.settle(ack.PacketID)
	if !ok {
		logger.DebugF("Ignore SUBACK for unknown packet %d", ack.PacketID)
		return
	}
	failed := ack.Failed()
	if len(failed) == 0 {
		return
	}

	request, ok := frame.(*packet.SubscribePacketPayloads)
	if !ok {
		return
	}
	rejected := make([]string, 0, len(failed))
	for _, index := range failed {
		if index < len(request.Subscriptions) {
			rejected = append(rejected, request.Subscriptions[index].TopicFilter)
		}
	}
	// 被拒绝的过滤器不再在重连后恢复
	p.subscriptions.Remove(rejected...)
	err := &SubscribeError{PacketID: ack.PacketID, Filters: rejected}
	logger.WarnF("%v", err)
	p.notify(func(listener Listener) { listener.OnError(err) })
}

func (p *Producer) handlePublish(publish *packet.PublishPacketPayloads) {
	message := Message{
		Topic:      publish.TopicName,
		Payload:    publish.Payload,
		QoS:        publish.PacketFlag.QoS,
		Retain:     publish.PacketFlag.Retain,
		Duplicate:  publish.PacketFlag.RetryFlag,
		PacketID:   publish.PacketID,
		ReceivedAt: time.Now(),
	}

	switch publish.PacketFlag.QoS {
	case mqtt.AtMostOnce:
		p.deliver(message)
	case mqtt.AtLeastOnce:
		p.deliver(message)
		if err := p.manager.Send(packet.NewPubAckPacket(publish.PacketID)); err != nil {
			logger.DebugF("PUBACK %d not sent: %v", publish.PacketID, err)
		}
	case mqtt.ExactlyOnce:
		if _, seen := p.receipts.Peek(publish.PacketID); seen {
			logger.DebugF("Drop redelivered QoS 2 packet %d", publish.PacketID)
		} else {
			p.receipts.Add(publish.PacketID, struct{}{})
			p.deliver(message)
		}
		if err := p.AcknowledgeReceipt(publish.PacketID); err != nil {
			logger.DebugF("PUBREC %d not registered: %v", publish.PacketID, err)
		}
	}
}

func (p *Producer) deliver(message Message) {
	handlers := p.routes.match(message.Topic)
	if len(handlers) == 0 {
		p.notify(func(listener Listener) { listener.OnMessage(message) })
		return
	}
	for _, handler := range handlers {
		h := handler
		p.dispatch(func() { h(message) })
	}
}
