package packet

// 控制包类型 CONNECT / CONNACK 相关函数

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

// ConnectRespType CONNACK 返回码
type ConnectRespType byte

const (
	Accepted ConnectRespType = iota
	UnacceptableProtocol
	IdentifierRejected
	ServerUnavailable
	BadCredentials
	NotAuthorized
)

var connectRespNames = map[ConnectRespType]string{
	Accepted:             "accepted",
	UnacceptableProtocol: "unacceptable protocol version",
	IdentifierRejected:   "identifier rejected",
	ServerUnavailable:    "server unavailable",
	BadCredentials:       "bad user name or password",
	NotAuthorized:        "not authorized",
}

func (code ConnectRespType) String() string {
	if name, ok := connectRespNames[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown return code %d", byte(code))
}

// ConnectPacketFlag CONNECT控制包连接标志位
type ConnectPacketFlag struct {
	UsernameFlag    bool
	PasswordFlag    bool
	RemainFlag      bool
	QoSLevel        byte
	WillMessageFlag bool
	CleanSession    bool
}

type ConnectPacketPayloads struct {
	ConnectFlag        ConnectPacketFlag
	ClientIdentifier   string
	Username           string
	Password           []byte
	WillMessageTopic   string
	WillMessageContent []byte
	KeepAlive          uint16
}

func (p *ConnectPacketPayloads) Type() mqtt.PacketType {
	return mqtt.CONNECT
}

func (p *ConnectPacketPayloads) flagByte() byte {
	var flags byte
	if p.ConnectFlag.UsernameFlag {
		flags |= 0x80
	}
	if p.ConnectFlag.PasswordFlag {
		flags |= 0x40
	}
	if p.ConnectFlag.WillMessageFlag {
		if p.ConnectFlag.RemainFlag {
			flags |= 0x20
		}
		flags |= (p.ConnectFlag.QoSLevel & 0x03) << 3
		flags |= 0x04
	}
	if p.ConnectFlag.CleanSession {
		flags |= 0x02
	}
	return flags
}

func (p *ConnectPacketPayloads) Encode() []byte {
	body := make([]byte, 0, 16+len(p.ClientIdentifier)+len(p.Username)+len(p.Password))
	body = appendField(body, []byte(mqtt.ProtocolName))
	body = append(body, mqtt.ProtocolLevel, p.flagByte())
	body = append(body, mqtt.UInt16ToByte(p.KeepAlive)...)
	body = appendField(body, []byte(p.ClientIdentifier))
	if p.ConnectFlag.WillMessageFlag {
		body = appendField(body, []byte(p.WillMessageTopic))
		body = appendField(body, p.WillMessageContent)
	}
	if p.ConnectFlag.UsernameFlag {
		body = appendField(body, []byte(p.Username))
	}
	if p.ConnectFlag.PasswordFlag {
		body = appendField(body, p.Password)
	}
	return mqtt.WritePacket(mqtt.CONNECT, 0, body)
}

// Validate 检查各字段是否能够编码
func (p *ConnectPacketPayloads) Validate() error {
	for _, field := range []string{p.ClientIdentifier, p.Username, string(p.Password), p.WillMessageTopic} {
		if err := checkField(field); err != nil {
			return err
		}
	}
	if p.ConnectFlag.PasswordFlag && !p.ConnectFlag.UsernameFlag {
		return errors.New("password flag requires user name flag")
	}
	if p.ConnectFlag.QoSLevel > mqtt.ExactlyOnce {
		return fmt.Errorf("invalid will QoS %d", p.ConnectFlag.QoSLevel)
	}
	return nil
}

// ParseConnectPacket 解析 CONNECT 控制包的可变头和负载
func ParseConnectPacket(packet *mqtt.Packet) (*ConnectPacketPayloads, error) {
	payload := packet.Payload
	result := &ConnectPacketPayloads{}

	protocolString, err := readPacketPayload(payload)
	if err != nil {
		return nil, errors.New("unable to check protocol string")
	}
	if string(protocolString.Payload) != mqtt.ProtocolName {
		return nil, fmt.Errorf("incorrect Protocol String: %s", string(protocolString.Payload))
	}

	protocolVersion, err := readPacketByte(payload)
	if err != nil {
		return nil, fmt.Errorf("unable to read protocol version, details: %w", err)
	}
	if protocolVersion != mqtt.ProtocolLevel {
		return nil, fmt.Errorf("protocol version %d does not match", protocolVersion)
	}

	connectFlag, err := readPacketByte(payload)
	if err != nil {
		return nil, fmt.Errorf("unable to read connect flag, details: %w", err)
	}

	result.ConnectFlag = ConnectPacketFlag{
		UsernameFlag:    (connectFlag&0x80)>>7 == 1,
		PasswordFlag:    (connectFlag&0x40)>>6 == 1,
		RemainFlag:      (connectFlag&0x20)>>5 == 1,
		QoSLevel:        (connectFlag & 0x18) >> 3, // 0x18 = 00011000
		WillMessageFlag: (connectFlag&0x04)>>2 == 1,
		CleanSession:    (connectFlag&0x02)>>1 == 1,
	}

	if !result.ConnectFlag.WillMessageFlag && (result.ConnectFlag.RemainFlag || result.ConnectFlag.QoSLevel != 0) {
		return nil, errors.New("when will message flag is not set, remain flag must not be set and QoSLevel must be 0")
	}

	if result.KeepAlive, err = readPacketID(payload); err != nil {
		return nil, errors.New("unable to read keep alive time")
	}

	clientID, err := readPacketPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("client ID: %w", err)
	}
	result.ClientIdentifier = string(clientID.Payload)

	if result.ConnectFlag.WillMessageFlag {
		willTopic, err := readPacketPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("will topic: %w", err)
		}
		result.WillMessageTopic = string(willTopic.Payload)

		willContent, err := readPacketPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("will content: %w", err)
		}
		result.WillMessageContent = willContent.Payload
	}

	if result.ConnectFlag.UsernameFlag {
		username, err := readPacketPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("username: %w", err)
		}
		result.Username = string(username.Payload)
	}

	if result.ConnectFlag.PasswordFlag {
		password, err := readPacketPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("password: %w", err)
		}
		result.Password = password.Payload
	}

	return result, nil
}

// ConnectAckPacketPayloads CONNACK 控制包
type ConnectAckPacketPayloads struct {
	SessionPresent bool
	ReturnCode     ConnectRespType
}

func NewConnectAckPacket(sessionStatus bool, returnCode ConnectRespType) *ConnectAckPacketPayloads {
	return &ConnectAckPacketPayloads{SessionPresent: sessionStatus, ReturnCode: returnCode}
}

func (p *ConnectAckPacketPayloads) Type() mqtt.PacketType {
	return mqtt.CONNACK
}

func (p *ConnectAckPacketPayloads) Encode() []byte {
	if p.SessionPresent {
		return []byte{0x20, 0x02, 0x01, byte(p.ReturnCode)}
	}
	return []byte{0x20, 0x02, 0x00, byte(p.ReturnCode)}
}

func ParseConnectAckPacket(packet *mqtt.Packet) (*ConnectAckPacketPayloads, error) {
	if packet.Header.RemainingLength != 2 {
		return nil, fmt.Errorf("CONNACK packet must have remaining length 2, got %d", packet.Header.RemainingLength)
	}
	flags, err := readPacketByte(packet.Payload)
	if err != nil {
		return nil, err
	}
	code, err := readPacketByte(packet.Payload)
	if err != nil {
		return nil, err
	}
	return &ConnectAckPacketPayloads{
		SessionPresent: flags&0x01 == 1,
		ReturnCode:     ConnectRespType(code),
	}, nil
}
