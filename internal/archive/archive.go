// Package archive 把收到的消息写入 MongoDB，仅保存应用数据，不保存客户端的投递状态
package archive

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/client"
	c "github.com/life-stream-dev/life-stream-go-mqtt-client/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const DefaultCollectionName = "messages"

var ErrClientIDEmpty = errors.New("client_id is empty")

// Document 一条归档消息
type Document struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	ClientID   string             `bson:"client_id"`
	Topic      string             `bson:"topic"`
	Payload    []byte             `bson:"payload"`
	QoS        byte               `bson:"qos"`
	Retain     bool               `bson:"retain"`
	Duplicate  bool               `bson:"duplicate"`
	PacketID   int32              `bson:"packet_id"`
	ReceivedAt time.Time          `bson:"received_at"`
}

func NewDocument(clientID string, message client.Message) Document {
	return Document{
		ClientID:   clientID,
		Topic:      message.Topic,
		Payload:    message.Payload,
		QoS:        message.QoS,
		Retain:     message.Retain,
		Duplicate:  message.Duplicate,
		PacketID:   int32(message.PacketID),
		ReceivedAt: message.ReceivedAt.UTC().Truncate(time.Millisecond),
	}
}

type Archive struct {
	client           *mongo.Client
	collection       *mongo.Collection
	clientID         string
	operationTimeout time.Duration
}

// ConnectionURI 编码用户名和密码中的特殊字符
func ConnectionURI(config c.Database) string {
	if config.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", config.Host, config.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		url.QueryEscape(config.Username), url.QueryEscape(config.Password),
		config.Host,
		config.Port,
	)
}

func clientOptions(config c.Database, appName string) *options.ClientOptions {
	clientOptions := options.Client().ApplyURI(ConnectionURI(config)).SetAppName(appName)
	// 连接池配置
	clientOptions.SetMinPoolSize(config.MinPoolSize)
	if config.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(config.MaxPoolSize)
	}
	if idle := utils.ParseStringTimeOr(config.ConnectIdleTimeout, 0); idle > 0 {
		clientOptions.SetMaxConnIdleTime(idle)
	}
	// 超时限制
	clientOptions.SetConnectTimeout(utils.ParseStringTimeOr(config.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.ParseStringTimeOr(config.SocketTimeout, 30*time.Second))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.ParseStringTimeOr(config.Heartbeat, 10*time.Second))
	if config.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s #%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s #%d, reason %s", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})
	return clientOptions
}

// Connect 连接数据库并确保索引存在
func Connect(ctx context.Context, config c.Database, appName string, clientID string) (*Archive, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	logger.DebugF("Connecting to database...")

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	mongoClient, err := mongo.Connect(ctx, clientOptions(config, appName))
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = mongoClient.Ping(ctx, nil); err != nil {
		_ = mongoClient.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	name := config.Collection
	if name == "" {
		name = DefaultCollectionName
	}
	collection := mongoClient.Database(config.Database).Collection(name)

	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "topic", Value: 1}, {Key: "received_at", Value: -1}},
		Options: options.Index().SetName("messages_topic_received_at"),
	})
	if err != nil {
		_ = mongoClient.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
	}

	logger.InfoF("Archiving received messages to %s.%s", config.Database, name)
	return &Archive{
		client:           mongoClient,
		collection:       collection,
		clientID:         clientID,
		operationTimeout: utils.ParseStringTimeOr(config.OperationTimeout, 5*time.Second),
	}, nil
}

func (a *Archive) Save(ctx context.Context, message client.Message) error {
	ctx, cancel := context.WithTimeout(ctx, a.operationTimeout)
	defer cancel()

	startTime := time.Now()
	_, err := a.collection.InsertOne(ctx, NewDocument(a.clientID, message))
	logger.DebugF("archive insert cost: %v", time.Since(startTime))
	if err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	return nil
}

// Recent 按接收时间倒序返回某主题最近的消息
func (a *Archive) Recent(ctx context.Context, topic string, limit int64) ([]Document, error) {
	ctx, cancel := context.WithTimeout(ctx, a.operationTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "received_at", Value: -1}}).SetLimit(limit)
	cursor, err := a.collection.Find(ctx, bson.D{{Key: "topic", Value: topic}}, opts)
	if err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	var documents []Document
	if err := cursor.All(ctx, &documents); err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	return documents, nil
}

// Invoke 供 event.Cleaner 在退出时断开数据库
func (a *Archive) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, a.operationTimeout)
	defer cancel()
	return a.client.Disconnect(ctx)
}

// Listener 先归档再交给 next，归档失败只记录日志
func (a *Archive) Listener(next client.Listener) client.Listener {
	return &archivingListener{archive: a, next: next}
}

type saver interface {
	Save(ctx context.Context, message client.Message) error
}

type archivingListener struct {
	archive saver
	next    client.Listener
}

func (l *archivingListener) OnMessage(message client.Message) {
	if err := l.archive.Save(context.Background(), message); err != nil {
		logger.ErrorF("Fail to archive message from %s, details: %v", message.Topic, err)
	}
	if l.next != nil {
		l.next.OnMessage(message)
	}
}

func (l *archivingListener) OnError(err error) {
	if l.next != nil {
		l.next.OnError(err)
	}
}
