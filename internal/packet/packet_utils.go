// Package packet 定义了 MQTT 3.1.1 控制报文的结构化表示及其编解码
package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

var (
	ErrInvalidLength = errors.New("invalid packet context length")
	ErrStringTooLong = errors.New("string exceeds 65535 bytes")
)

// Frame 一个可编码的结构化控制报文
type Frame interface {
	Type() mqtt.PacketType
	Encode() []byte
}

// Identified 携带报文标识符的控制报文
type Identified interface {
	Frame
	ID() uint16
}

type FieldPayload struct {
	PayloadLength int
	Payload       []byte
}

// Decode 将线路层报文解析为结构化报文
func Decode(packet *mqtt.Packet) (Frame, error) {
	switch packet.Header.Type {
	case mqtt.CONNECT:
		return ParseConnectPacket(packet)
	case mqtt.CONNACK:
		return ParseConnectAckPacket(packet)
	case mqtt.PUBLISH:
		return ParsePublishPacket(packet)
	case mqtt.PUBACK, mqtt.PUBREC, mqtt.PUBREL, mqtt.PUBCOMP, mqtt.UNSUBACK:
		return ParseAckPacket(packet)
	case mqtt.SUBSCRIBE:
		return ParseSubscribePacket(packet)
	case mqtt.SUBACK:
		return ParseSubAckPacket(packet)
	case mqtt.UNSUBSCRIBE:
		return ParseUnSubscribePacket(packet)
	case mqtt.PINGREQ, mqtt.PINGRESP, mqtt.DISCONNECT:
		return &ControlPacket{PacketType: packet.Header.Type}, nil
	default:
		return nil, fmt.Errorf("%s packet has not been supported", packet.Header.Type)
	}
}

// PacketIdentifier 返回报文标识符（若该报文携带）
func PacketIdentifier(frame Frame) (uint16, bool) {
	identified, ok := frame.(Identified)
	if !ok {
		return 0, false
	}
	if publish, ok := frame.(*PublishPacketPayloads); ok && publish.PacketFlag.QoS == 0 {
		return 0, false
	}
	return identified.ID(), true
}

func readPacketByte(payload *mqtt.Payload) (byte, error) {
	startByte := payload.CurrentPtr
	if startByte >= payload.ContextLen {
		return 0, ErrInvalidLength
	}
	payload.CurrentPtr++
	return payload.Context[startByte], nil
}

func readPacketBytes(payload *mqtt.Payload, length int) ([]byte, error) {
	if length < 0 {
		return nil, errors.New("invalid reading length, except >= 0")
	}
	end := payload.CurrentPtr + length
	if end > payload.ContextLen {
		return nil, ErrInvalidLength
	}
	data := payload.Context[payload.CurrentPtr:end]
	payload.CurrentPtr = end
	return data, nil
}

func readPacketID(payload *mqtt.Payload) (uint16, error) {
	data, err := readPacketBytes(payload, 2)
	if err != nil {
		return 0, fmt.Errorf("error occured when reading packet ID, details: %w", err)
	}
	return mqtt.ByteToUInt16(data), nil
}

func readPacketPayload(payload *mqtt.Payload) (FieldPayload, error) {
	startByte := payload.CurrentPtr
	contextLen := payload.ContextLen
	if startByte+1 >= contextLen {
		return FieldPayload{}, errors.New("insufficient bytes for length")
	}
	length := int(mqtt.ByteToUInt16(payload.Context[startByte : startByte+2]))
	end := startByte + 2 + length
	if end > contextLen {
		return FieldPayload{}, fmt.Errorf("payload length %d exceeds buffer (len=%d)", length, contextLen)
	}
	payload.CurrentPtr += 2 + length
	return FieldPayload{
		PayloadLength: length,
		Payload:       payload.Context[startByte+2 : end],
	}, nil
}

func appendField(buf []byte, field []byte) []byte {
	buf = append(buf, mqtt.UInt16ToByte(uint16(len(field)))...)
	return append(buf, field...)
}

func checkField(field string) error {
	if len(field) > 0xFFFF {
		return ErrStringTooLong
	}
	return nil
}
