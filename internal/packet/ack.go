package packet

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

// AckPacket 仅包含报文标识符的确认类报文：PUBACK、PUBREC、PUBREL、PUBCOMP、UNSUBACK
type AckPacket struct {
	PacketType mqtt.PacketType
	PacketID   uint16
}

func NewPubAckPacket(packetID uint16) *AckPacket {
	return &AckPacket{PacketType: mqtt.PUBACK, PacketID: packetID}
}

func NewPubRecPacket(packetID uint16) *AckPacket {
	return &AckPacket{PacketType: mqtt.PUBREC, PacketID: packetID}
}

func NewPubRelPacket(packetID uint16) *AckPacket {
	return &AckPacket{PacketType: mqtt.PUBREL, PacketID: packetID}
}

func NewPubCompPacket(packetID uint16) *AckPacket {
	return &AckPacket{PacketType: mqtt.PUBCOMP, PacketID: packetID}
}

func NewUnSubAckPacket(packetID uint16) *AckPacket {
	return &AckPacket{PacketType: mqtt.UNSUBACK, PacketID: packetID}
}

func (p *AckPacket) Type() mqtt.PacketType {
	return p.PacketType
}

func (p *AckPacket) ID() uint16 {
	return p.PacketID
}

func (p *AckPacket) Encode() []byte {
	return mqtt.WritePacket(p.PacketType, mqtt.RequiredFlags(p.PacketType), mqtt.UInt16ToByte(p.PacketID))
}

func ParseAckPacket(packet *mqtt.Packet) (*AckPacket, error) {
	if packet.Header.RemainingLength != 2 {
		return nil, fmt.Errorf("%s packet must have remaining length 2, got %d", packet.Header.Type, packet.Header.RemainingLength)
	}
	packetID, err := readPacketID(packet.Payload)
	if err != nil {
		return nil, err
	}
	return &AckPacket{PacketType: packet.Header.Type, PacketID: packetID}, nil
}
