package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	c "github.com/life-stream-dev/life-stream-go-push-server/internal/config"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type DBCloseCallback struct {
	store *MongoStore
}

func NewDBCloseCallback(store *MongoStore) *DBCloseCallback {
	return &DBCloseCallback{store: store}
}

func (dc *DBCloseCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	return dc.store.client.Disconnect(ctx)
}

func databaseURL(config c.DatabaseConfig) string {
	if config.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", config.Host, config.Port)
	}
	// 编码特殊字符
	encodedUser := url.QueryEscape(config.Username)
	encodedPass := url.QueryEscape(config.Password)
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		config.Host,
		config.Port,
	)
}

// ConnectDatabase dials MongoDB, verifies the connection and makes sure the
// indexes used by MongoStore exist.
func ConnectDatabase(config c.Config) (*MongoStore, error) {
	logger.DebugF("Connecting to database...")
	dbConfig := config.Database

	clientOptions := options.Client().ApplyURI(databaseURL(dbConfig)).SetAppName(config.App.Name)
	// 连接池配置
	clientOptions.SetMinPoolSize(dbConfig.MinPoolSize)
	clientOptions.SetMaxPoolSize(dbConfig.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(c.Duration(dbConfig.ConnectIdleTimeout))
	// 超时限制
	clientOptions.SetConnectTimeout(c.Duration(dbConfig.ConnectTimeout))
	clientOptions.SetSocketTimeout(c.Duration(dbConfig.SocketTimeout))
	// 心跳包
	clientOptions.SetHeartbeatInterval(c.Duration(dbConfig.Heartbeat))
	if dbConfig.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s#%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s#%d (%s)", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	db := client.Database(dbConfig.Database)
	if err := ensureIndexes(ctx, db); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	cacheSize := dbConfig.ChannelCacheSize
	if cacheSize <= 0 {
		cacheSize = 1
	}
	return &MongoStore{
		client:           client,
		db:               db,
		operationTimeout: c.Duration(dbConfig.OperationTimeout),
		channelCache:     expirable.NewLRU[string, []ChannelRecord](cacheSize, nil, c.Duration(dbConfig.ChannelCacheTTL)),
		now:              time.Now,
	}, nil
}

func ensureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(ChannelCollectionName).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "uaid", Value: 1}, {Key: "chid", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("channels_uaid_chid_unique"),
	})
	if err != nil {
		return fmt.Errorf("error occured while creating database indexes: %w", err)
	}

	_, err = db.Collection(MessageCollectionName).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "uaid", Value: 1}, {Key: "chid", Value: 1}, {Key: "version", Value: 1}},
			Options: options.Index().SetName("messages_uaid_chid_version"),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0).SetName("messages_expires_at_ttl"),
		},
	})
	if err != nil {
		return fmt.Errorf("error occured while creating database indexes: %w", err)
	}
	return nil
}
