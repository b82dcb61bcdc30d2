// Package mqtt 实现了 MQTT 3.1.1 报文在线路层的读写（固定头、剩余长度、报文读取）
package mqtt

// PacketType 定义了MQTT控制报文的类型
type PacketType byte

const (
	CONNECT     PacketType = iota + 1 // 客户端请求连接到服务器
	CONNACK                           // 连接确认
	PUBLISH                           // 发布消息
	PUBACK                            // 发布确认
	PUBREC                            // 发布收到（QoS 2第一步）
	PUBREL                            // 发布释放（QoS 2第二步）
	PUBCOMP                           // 发布完成（QoS 2第三步）
	SUBSCRIBE                         // 订阅请求
	SUBACK                            // 订阅确认
	UNSUBSCRIBE                       // 取消订阅
	UNSUBACK                          // 取消订阅确认
	PINGREQ                           // 心跳请求
	PINGRESP                          // 心跳响应
	DISCONNECT                        // 断开连接
)

const (
	ProtocolName  = "MQTT"
	ProtocolLevel = 0x04 // 3.1.1
)

// QoS 服务质量等级
type QoS = byte

const (
	AtMostOnce  QoS = iota // 0，发送即忘
	AtLeastOnce            // 1，PUBACK
	ExactlyOnce            // 2，PUBREC/PUBREL/PUBCOMP
)

var PacketTypeMap = map[PacketType]string{
	CONNECT:     "CONNECT",
	CONNACK:     "CONNACK",
	PUBLISH:     "PUBLISH",
	PUBACK:      "PUBACK",
	PUBREC:      "PUBREC",
	PUBREL:      "PUBREL",
	PUBCOMP:     "PUBCOMP",
	SUBSCRIBE:   "SUBSCRIBE",
	SUBACK:      "SUBACK",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	UNSUBACK:    "UNSUBACK",
	PINGREQ:     "PINGREQ",
	PINGRESP:    "PINGRESP",
	DISCONNECT:  "DISCONNECT",
}

func (packetType PacketType) String() string {
	if name, ok := PacketTypeMap[packetType]; ok {
		return name
	}
	return "UNKNOWN"
}

// allowedFlags 每种报文类型允许的标志位，PUBREL/SUBSCRIBE/UNSUBSCRIBE 的保留位固定为 0010
var allowedFlags = map[PacketType]byte{
	CONNECT:     0x00,
	CONNACK:     0x00,
	PUBLISH:     0x0F,
	PUBACK:      0x00,
	PUBREC:      0x00,
	PUBREL:      0x02,
	PUBCOMP:     0x00,
	SUBSCRIBE:   0x02,
	SUBACK:      0x00,
	UNSUBSCRIBE: 0x02,
	UNSUBACK:    0x00,
	PINGREQ:     0x00,
	PINGRESP:    0x00,
	DISCONNECT:  0x00,
}

// RequiredFlags 返回发送时必须携带的固定标志位
func RequiredFlags(pt PacketType) byte {
	if pt == PUBLISH {
		return 0x00
	}
	return allowedFlags[pt]
}

type FixedHeader struct {
	Type            PacketType
	Flags           byte
	RemainingLength int
}

// Payload 可变头和有效载荷，CurrentPtr 为读取游标
type Payload struct {
	Context    []byte
	ContextLen int
	CurrentPtr int
}

type Packet struct {
	Header  *FixedHeader
	Payload *Payload
}
