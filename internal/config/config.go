package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/utils"
)

const DefaultConfigPath = "config.json"

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

type Broker struct {
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	Transport            string `json:"transport"` // tcp 或 ws
	WebSocketPath        string `json:"ws_path"`
	ClientID             string `json:"client_id"`
	Username             string `json:"username"`
	Password             string `json:"password"`
	CleanSession         bool   `json:"clean_session"`
	KeepAlive            uint16 `json:"keep_alive"` // 秒
	TCPNoDelay           bool   `json:"tcp_no_delay"`
	SocketKeepAlive      bool   `json:"socket_keep_alive"`
	SendBuffer           int    `json:"send_buffer"`
	ReceiveBuffer        int    `json:"receive_buffer"`
	ConnectTimeout       string `json:"connect_timeout"`
	MinRetryPeriod       string `json:"min_retry_period"`
	SubscribeRetryPeriod string `json:"subscribe_retry_period"`
	ReconnectDelay       string `json:"reconnect_delay"`
}

type Subscription struct {
	Topic string `json:"topic"`
	QoS   byte   `json:"qos"`
}

type Publication struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	QoS     byte   `json:"qos"`
	Retain  bool   `json:"retain"`
}

// Database 接收消息归档所用的 MongoDB，Host 为空时不启用
type Database struct {
	Host               string `json:"host"`
	Port               uint64 `json:"port"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	Database           string `json:"database"`
	Collection         string `json:"collection"`
	UseTLS             bool   `json:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout"`
	Heartbeat          string `json:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size"`
}

type Config struct {
	Broker           Broker         `json:"broker"`
	Subscriptions    []Subscription `json:"subscriptions"`
	Publish          []Publication  `json:"publish"`
	ListenerPoolSize int            `json:"listener_pool_size"`
	Database         Database       `json:"database"`
	DebugMode        bool           `json:"debug_mode"`
	AppName          string         `json:"app_name"`
	LogPath          string         `json:"log_path"`
}

var config = Default()
var initialized = false

// Default 返回带默认值的配置，也是首次运行时写出的模板
func Default() Config {
	return Config{
		Broker: Broker{
			Host:                 "127.0.0.1",
			Port:                 1883,
			Transport:            "tcp",
			WebSocketPath:        "/mqtt",
			CleanSession:         true,
			KeepAlive:            60,
			TCPNoDelay:           true,
			SocketKeepAlive:      true,
			ConnectTimeout:       "10s",
			MinRetryPeriod:       "10s",
			SubscribeRetryPeriod: "10s",
			ReconnectDelay:       "2s",
		},
		Database: Database{
			Port:             27017,
			Collection:       "messages",
			ConnectTimeout:   "10s",
			SocketTimeout:    "30s",
			OperationTimeout: "5s",
			Heartbeat:        "10s",
			MaxPoolSize:      10,
		},
		AppName: "life-stream-mqtt-client",
		LogPath: "logs",
	}
}

func ReadConfig() (Config, error) {
	return ReadConfigFrom(DefaultConfigPath)
}

func ReadConfigFrom(path string) (Config, error) {
	bytes, err := os.ReadFile(path)

	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return config, fmt.Errorf("unable to read configuration file %s: %w", path, err)
		}
		data, _ := json.MarshalIndent(Default(), "", "\t")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return config, fmt.Errorf("unable to create configuration file %s: %w", path, err)
		}
		return config, ErrConfigCreated
	}

	result := Default()
	if err = json.Unmarshal(bytes, &result); err != nil {
		return config, errors.New("the configuration file does not contain valid JSON")
	}

	if err := result.Validate(); err != nil {
		return config, err
	}

	if result.Broker.ClientID == "" {
		result.Broker.ClientID = GenerateClientID(result.AppName)
	}

	config = result
	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig()
}

// GenerateClientID 生成不超过 23 字节的客户端标识符
func GenerateClientID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		prefix = "lsmq"
	}
	if len(prefix) > 10 {
		prefix = prefix[:10]
	}
	return prefix + "-" + id[:23-len(prefix)-1]
}

func (c Config) Validate() error {
	var errs []error
	if c.Broker.Host == "" {
		errs = append(errs, errors.New("broker.host must not be empty"))
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker.port %d is out of range", c.Broker.Port))
	}
	switch c.Broker.Transport {
	case "tcp", "ws":
	default:
		errs = append(errs, fmt.Errorf("broker.transport %q is not supported", c.Broker.Transport))
	}
	for name, value := range map[string]string{
		"broker.connect_timeout":        c.Broker.ConnectTimeout,
		"broker.min_retry_period":       c.Broker.MinRetryPeriod,
		"broker.subscribe_retry_period": c.Broker.SubscribeRetryPeriod,
		"broker.reconnect_delay":        c.Broker.ReconnectDelay,
	} {
		if _, err := utils.ParseStringTime(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	for _, subscription := range c.Subscriptions {
		if subscription.QoS > 2 {
			errs = append(errs, fmt.Errorf("subscription %s: invalid qos %d", subscription.Topic, subscription.QoS))
		}
	}
	for _, publication := range c.Publish {
		if publication.QoS > 2 {
			errs = append(errs, fmt.Errorf("publication %s: invalid qos %d", publication.Topic, publication.QoS))
		}
	}
	return errors.Join(errs...)
}

func (b Broker) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

func (b Broker) ConnectTimeoutDuration() time.Duration {
	return utils.ParseStringTimeOr(b.ConnectTimeout, 10*time.Second)
}

func (b Broker) MinRetryPeriodDuration() time.Duration {
	return utils.ParseStringTimeOr(b.MinRetryPeriod, 10*time.Second)
}

func (b Broker) SubscribeRetryPeriodDuration() time.Duration {
	return utils.ParseStringTimeOr(b.SubscribeRetryPeriod, 10*time.Second)
}

func (b Broker) ReconnectDelayDuration() time.Duration {
	return utils.ParseStringTimeOr(b.ReconnectDelay, 2*time.Second)
}
