package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
)

const (
	DefaultReceiptCacheSize = 1024
	DefaultReceiptTTL       = time.Hour
)

var (
	ErrClosed   = errors.New("client: closed")
	ErrNoDialer = errors.New("client: a dialer is required")
)

type Options struct {
	Dialer transport.Dialer

	ClientID     string
	Username     string
	Password     string
	CleanSession bool
	// KeepAlive 心跳间隔（秒），0 表示关闭
	KeepAlive uint16

	ConnectTimeout       time.Duration
	ReconnectDelay       time.Duration
	MinRetryPeriod       time.Duration
	SubscribeRetryPeriod time.Duration
	// QueueCapacity 重发队列容量，0 表示不限
	QueueCapacity int

	Listener Listener
	// ListenerPoolSize 大于 0 时监听器回调经由协程池异步执行，消息顺序不再保证
	ListenerPoolSize int
	// ReceiptCacheSize 记录已投递的 QoS 2 入站消息标识符，用于去重
	ReceiptCacheSize int
	// ReceiptTTL 迟迟没有等到 PUBREL 的标识符在此之后被遗忘
	ReceiptTTL time.Duration
}

// OptionsFromConfig 由配置文件构造选项，dialer 由调用方按 transport 配置创建
func OptionsFromConfig(cfg config.Config, dialer transport.Dialer) Options {
	broker := cfg.Broker
	return Options{
		Dialer:               dialer,
		ClientID:             broker.ClientID,
		Username:             broker.Username,
		Password:             broker.Password,
		CleanSession:         broker.CleanSession,
		KeepAlive:            broker.KeepAlive,
		ConnectTimeout:       broker.ConnectTimeoutDuration(),
		ReconnectDelay:       broker.ReconnectDelayDuration(),
		MinRetryPeriod:       broker.MinRetryPeriodDuration(),
		SubscribeRetryPeriod: broker.SubscribeRetryPeriodDuration(),
		ListenerPoolSize:     cfg.ListenerPoolSize,
	}
}

func (o Options) connectPacket() packet.ConnectPacketPayloads {
	connect := packet.ConnectPacketPayloads{
		ConnectFlag:      packet.ConnectPacketFlag{CleanSession: o.CleanSession},
		ClientIdentifier: o.ClientID,
		KeepAlive:        o.KeepAlive,
	}
	if o.Username != "" {
		connect.ConnectFlag.UsernameFlag = true
		connect.Username = o.Username
	}
	if o.Password != "" {
		connect.ConnectFlag.PasswordFlag = true
		connect.Password = []byte(o.Password)
	}
	return connect
}

// Message 投递给监听器的入站消息
type Message struct {
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	Duplicate  bool
	PacketID   uint16
	ReceivedAt time.Time
}

type Listener interface {
	OnMessage(message Message)
	OnError(err error)
}

// ListenerFuncs 用函数实现 Listener，未设置的回调被忽略
type ListenerFuncs struct {
	Message func(message Message)
	Error   func(err error)
}

func (l ListenerFuncs) OnMessage(message Message) {
	if l.Message != nil {
		l.Message(message)
	}
}

func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

// SubscribeError broker 拒绝了部分订阅
type SubscribeError struct {
	PacketID uint16
	Filters  []string
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("broker rejected subscription %d for %v", e.PacketID, e.Filters)
}
