package packet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

// SubscribeState SUBACK 返回码
type SubscribeState byte

const (
	SuccessQos0 SubscribeState = iota
	SuccessQos1
	SuccessQos2
	Failure SubscribeState = 0x80
)

type Subscription struct {
	TopicFilter string
	QoS         byte
}

type SubscribePacketPayloads struct {
	PacketID      uint16
	Subscriptions []Subscription
}

func NewSubscribePacket(packetID uint16, subscriptions ...Subscription) *SubscribePacketPayloads {
	return &SubscribePacketPayloads{PacketID: packetID, Subscriptions: subscriptions}
}

func (p *SubscribePacketPayloads) Type() mqtt.PacketType {
	return mqtt.SUBSCRIBE
}

func (p *SubscribePacketPayloads) ID() uint16 {
	return p.PacketID
}

func (p *SubscribePacketPayloads) Validate() error {
	if len(p.Subscriptions) == 0 {
		return errors.New("subscribe packet must contain at least one topic filter")
	}
	for _, subscription := range p.Subscriptions {
		if err := ValidateTopicFilter(subscription.TopicFilter); err != nil {
			return err
		}
		if subscription.QoS > mqtt.ExactlyOnce {
			return fmt.Errorf("invalid QoS %d for topic filter %s", subscription.QoS, subscription.TopicFilter)
		}
	}
	return nil
}

func (p *SubscribePacketPayloads) Encode() []byte {
	body := make([]byte, 0, 2+len(p.Subscriptions)*8)
	body = append(body, mqtt.UInt16ToByte(p.PacketID)...)
	for _, subscription := range p.Subscriptions {
		body = appendField(body, []byte(subscription.TopicFilter))
		body = append(body, subscription.QoS&0x03)
	}
	return mqtt.WritePacket(mqtt.SUBSCRIBE, mqtt.RequiredFlags(mqtt.SUBSCRIBE), body)
}

func ParseSubscribePacket(packet *mqtt.Packet) (*SubscribePacketPayloads, error) {
	packetID, err := readPacketID(packet.Payload)
	if err != nil {
		return nil, err
	}
	result := &SubscribePacketPayloads{PacketID: packetID}

	for packet.Payload.CheckRemainingLength() {
		topicFilter, err := readPacketPayload(packet.Payload)
		if err != nil {
			return nil, fmt.Errorf("error occured when reading topic filter, details: %w", err)
		}
		qos, err := readPacketByte(packet.Payload)
		if err != nil {
			return nil, fmt.Errorf("error occured when reading qos level, details: %w", err)
		}
		result.Subscriptions = append(result.Subscriptions, Subscription{
			TopicFilter: string(topicFilter.Payload),
			QoS:         qos & 0x03,
		})
	}

	return result, nil
}

// ValidateTopicFilter 检查主题过滤器中通配符的位置是否合法
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return errors.New("topic filter must not be empty")
	}
	if err := checkField(filter); err != nil {
		return err
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("'#' must be the last level, topic: %s", filter)
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("'+' must occupy an entire level, topic: %s", filter)
		}
	}
	return nil
}

// SubAckPacketPayloads SUBACK 控制包，返回码与订阅请求一一对应
type SubAckPacketPayloads struct {
	PacketID    uint16
	ReturnCodes []SubscribeState
}

func NewSubAckPacket(packetID uint16, states ...SubscribeState) *SubAckPacketPayloads {
	return &SubAckPacketPayloads{PacketID: packetID, ReturnCodes: states}
}

func (p *SubAckPacketPayloads) Type() mqtt.PacketType {
	return mqtt.SUBACK
}

func (p *SubAckPacketPayloads) ID() uint16 {
	return p.PacketID
}

func (p *SubAckPacketPayloads) Encode() []byte {
	body := make([]byte, 0, 2+len(p.ReturnCodes))
	body = append(body, mqtt.UInt16ToByte(p.PacketID)...)
	for _, code := range p.ReturnCodes {
		body = append(body, byte(code))
	}
	return mqtt.WritePacket(mqtt.SUBACK, 0, body)
}

// Failed 返回被服务器拒绝的订阅下标
func (p *SubAckPacketPayloads) Failed() []int {
	var failed []int
	for i, code := range p.ReturnCodes {
		if code == Failure {
			failed = append(failed, i)
		}
	}
	return failed
}

func ParseSubAckPacket(packet *mqtt.Packet) (*SubAckPacketPayloads, error) {
	packetID, err := readPacketID(packet.Payload)
	if err != nil {
		return nil, err
	}
	codes, err := readPacketBytes(packet.Payload, packet.Payload.Remaining())
	if err != nil {
		return nil, err
	}
	result := &SubAckPacketPayloads{PacketID: packetID, ReturnCodes: make([]SubscribeState, len(codes))}
	for i, code := range codes {
		result.ReturnCodes[i] = SubscribeState(code)
	}
	return result, nil
}
