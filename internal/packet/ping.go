package packet

import "github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"

// ControlPacket 无可变头、无负载的报文（PINGREQ、PINGRESP、DISCONNECT）
type ControlPacket struct {
	PacketType mqtt.PacketType
}

func NewPingReqPacket() *ControlPacket {
	return &ControlPacket{PacketType: mqtt.PINGREQ}
}

func NewPingRespPacket() *ControlPacket {
	return &ControlPacket{PacketType: mqtt.PINGRESP}
}

func NewDisconnectPacket() *ControlPacket {
	return &ControlPacket{PacketType: mqtt.DISCONNECT}
}

func (p *ControlPacket) Type() mqtt.PacketType {
	return p.PacketType
}

func (p *ControlPacket) Encode() []byte {
	return []byte{byte(p.PacketType) << 4, 0x00}
}
