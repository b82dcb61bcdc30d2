package packet

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

type PublishPacketFlag struct {
	RetryFlag bool // DUP
	QoS       byte
	Retain    bool
}

type PublishPacketPayloads struct {
	PacketFlag PublishPacketFlag
	TopicName  string
	PacketID   uint16
	Payload    []byte
}

func NewPublishPacket(topic string, payload []byte, qos byte, retain bool) *PublishPacketPayloads {
	return &PublishPacketPayloads{
		PacketFlag: PublishPacketFlag{QoS: qos, Retain: retain},
		TopicName:  topic,
		Payload:    payload,
	}
}

func (p *PublishPacketPayloads) Type() mqtt.PacketType {
	return mqtt.PUBLISH
}

func (p *PublishPacketPayloads) ID() uint16 {
	return p.PacketID
}

// Duplicate 返回设置了 DUP 标志的副本，用于重发
func (p *PublishPacketPayloads) Duplicate() *PublishPacketPayloads {
	dup := *p
	dup.PacketFlag.RetryFlag = p.PacketFlag.QoS > 0
	return &dup
}

func (p *PublishPacketPayloads) Validate() error {
	if p.PacketFlag.QoS > mqtt.ExactlyOnce {
		return fmt.Errorf("the QoS Level must not set to %d", p.PacketFlag.QoS)
	}
	if p.TopicName == "" {
		return fmt.Errorf("topic name must not be empty")
	}
	if err := checkField(p.TopicName); err != nil {
		return err
	}
	for _, c := range p.TopicName {
		if c == '+' || c == '#' {
			return fmt.Errorf("topic name %q must not contain wildcards", p.TopicName)
		}
	}
	if len(p.Payload) > mqtt.MaxRemainingLength-len(p.TopicName)-4 {
		return fmt.Errorf("payload of %d bytes is too large", len(p.Payload))
	}
	return nil
}

func (p *PublishPacketPayloads) Encode() []byte {
	var flags byte
	if p.PacketFlag.RetryFlag {
		flags |= 0x08
	}
	flags |= (p.PacketFlag.QoS & 0x03) << 1
	if p.PacketFlag.Retain {
		flags |= 0x01
	}
	body := make([]byte, 0, len(p.TopicName)+len(p.Payload)+4)
	body = appendField(body, []byte(p.TopicName))
	if p.PacketFlag.QoS > 0 {
		body = append(body, mqtt.UInt16ToByte(p.PacketID)...)
	}
	body = append(body, p.Payload...)
	return mqtt.WritePacket(mqtt.PUBLISH, flags, body)
}

func ParsePublishPacket(packet *mqtt.Packet) (*PublishPacketPayloads, error) {
	result := &PublishPacketPayloads{
		PacketFlag: PublishPacketFlag{
			RetryFlag: (packet.Header.Flags&0x08)>>3 == 1,
			QoS:       (packet.Header.Flags & 0x06) >> 1,
			Retain:    packet.Header.Flags&0x01 == 1,
		},
	}

	if result.PacketFlag.QoS == 0 && result.PacketFlag.RetryFlag {
		return nil, fmt.Errorf("when QoS Level set to 0, retry flag must be set to 0 either")
	}

	if result.PacketFlag.QoS == 3 {
		return nil, fmt.Errorf("the QoS Level must not set to 3")
	}

	topicName, err := readPacketPayload(packet.Payload)
	if err != nil {
		return nil, fmt.Errorf("error occured when reading topic name, details: %w", err)
	}
	result.TopicName = string(topicName.Payload)

	if result.PacketFlag.QoS > 0 {
		if result.PacketID, err = readPacketID(packet.Payload); err != nil {
			return nil, err
		}
		if result.PacketID == 0 {
			return nil, fmt.Errorf("packet ID of a QoS %d publish must not be 0", result.PacketFlag.QoS)
		}
	}

	payload, err := readPacketBytes(packet.Payload, packet.Payload.Remaining())
	if err != nil {
		return nil, fmt.Errorf("error occured when reading payload, details: %w", err)
	}
	result.Payload = payload

	return result, nil
}
