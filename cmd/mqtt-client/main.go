package main

import (
	"context"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/archive"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/client"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/event"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
)

func newDialer(broker config.Broker) transport.Dialer {
	tcp := transport.TCPOptions{
		Address:         broker.Address(),
		NoDelay:         broker.TCPNoDelay,
		SocketKeepAlive: broker.SocketKeepAlive,
		SendBuffer:      broker.SendBuffer,
		ReceiveBuffer:   broker.ReceiveBuffer,
		DialTimeout:     broker.ConnectTimeoutDuration(),
	}
	if broker.KeepAlive > 0 {
		// broker 在 1.5 倍心跳间隔内没有任何报文即视为断线
		tcp.Stream.ReadTimeout = time.Duration(broker.KeepAlive) * time.Second * 3 / 2
	}
	if broker.Transport == "ws" {
		return transport.NewWebSocketDialer(transport.WebSocketOptions{TCP: tcp, Path: broker.WebSocketPath})
	}
	return transport.NewTCPDialer(tcp)
}

func main() {
	cfg, err := config.ReadConfig()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init()
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)

	var listener client.Listener = client.ListenerFuncs{
		Message: func(message client.Message) {
			logger.InfoF("Receive message on %s (QoS %d, retain %t): %s", message.Topic, message.QoS, message.Retain, message.Payload)
		},
		Error: func(err error) {
			logger.ErrorF("Client error: %v", err)
			if connection.IsRejected(err) {
				go func() { _ = cleaner.Shutdown() }()
			}
		},
	}

	if cfg.Database.Host != "" {
		store, err := archive.Connect(context.Background(), cfg.Database, cfg.AppName, cfg.Broker.ClientID)
		if err != nil {
			logger.FatalF("Error occured while initializing database, details: %v", err)
			_ = cleaner.Shutdown()
			return
		}
		cleaner.Add(store)
		listener = store.Listener(listener)

		// 启动时打印各订阅主题上次归档的最后一条消息
		for _, s := range cfg.Subscriptions {
			if strings.ContainsAny(s.Topic, "+#") {
				continue
			}
			documents, err := store.Recent(context.Background(), s.Topic, 1)
			if err != nil {
				logger.WarnF("Fail to query archive for %s, details: %v", s.Topic, err)
				continue
			}
			for _, document := range documents {
				logger.InfoF("Last archived message on %s at %s: %s", document.Topic, document.ReceivedAt.Format(time.RFC3339), document.Payload)
			}
		}
	}

	options := client.OptionsFromConfig(cfg, newDialer(cfg.Broker))
	options.Listener = listener
	producer, err := client.New(options)
	if err != nil {
		logger.FatalF("Error occured while creating client, details: %v", err)
		_ = cleaner.Shutdown()
		return
	}
	cleaner.Add(producer)

	logger.InfoF("Connecting to %s as %s", cfg.Broker.Address(), producer.ClientID())
	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Broker.ConnectTimeoutDuration())
	err = producer.Connect(ctx)
	cancel()
	if err != nil {
		logger.FatalF("Error occured while connecting to broker, details: %v", err)
		_ = cleaner.Shutdown()
		return
	}

	if len(cfg.Subscriptions) > 0 {
		subscriptions := make([]packet.Subscription, 0, len(cfg.Subscriptions))
		for _, s := range cfg.Subscriptions {
			subscriptions = append(subscriptions, packet.Subscription{TopicFilter: s.Topic, QoS: s.QoS})
		}
		if _, err := producer.Subscribe(subscriptions...); err != nil {
			logger.ErrorF("Fail to subscribe, details: %v", err)
		}
	}

	for _, publication := range cfg.Publish {
		id, err := producer.Publish(publication.Topic, []byte(publication.Payload), publication.QoS, publication.Retain)
		if err != nil {
			logger.ErrorF("Fail to publish to %s, details: %v", publication.Topic, err)
			continue
		}
		logger.DebugF("Published to %s, packet id %d", publication.Topic, id)
	}

	<-cleaner.Done()
}
