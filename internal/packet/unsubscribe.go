package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

type UnSubscribePacketPayloads struct {
	PacketID     uint16
	TopicFilters []string
}

func NewUnSubscribePacket(packetID uint16, filters ...string) *UnSubscribePacketPayloads {
	return &UnSubscribePacketPayloads{PacketID: packetID, TopicFilters: filters}
}

func (p *UnSubscribePacketPayloads) Type() mqtt.PacketType {
	return mqtt.UNSUBSCRIBE
}

func (p *UnSubscribePacketPayloads) ID() uint16 {
	return p.PacketID
}

func (p *UnSubscribePacketPayloads) Validate() error {
	if len(p.TopicFilters) == 0 {
		return errors.New("unsubscribe packet must contain at least one topic filter")
	}
	for _, filter := range p.TopicFilters {
		if err := ValidateTopicFilter(filter); err != nil {
			return err
		}
	}
	return nil
}

func (p *UnSubscribePacketPayloads) Encode() []byte {
	body := make([]byte, 0, 2+len(p.TopicFilters)*8)
	body = append(body, mqtt.UInt16ToByte(p.PacketID)...)
	for _, filter := range p.TopicFilters {
		body = appendField(body, []byte(filter))
	}
	return mqtt.WritePacket(mqtt.UNSUBSCRIBE, mqtt.RequiredFlags(mqtt.UNSUBSCRIBE), body)
}

func ParseUnSubscribePacket(packet *mqtt.Packet) (*UnSubscribePacketPayloads, error) {
	packetID, err := readPacketID(packet.Payload)
	if err != nil {
		return nil, err
	}
	result := &UnSubscribePacketPayloads{PacketID: packetID}

	for packet.Payload.CheckRemainingLength() {
		topicFilter, err := readPacketPayload(packet.Payload)
		if err != nil {
			return nil, fmt.Errorf("error occured when reading topic filter, details: %w", err)
		}
		result.TopicFilters = append(result.TopicFilters, string(topicFilter.Payload))
	}

	return result, nil
}
