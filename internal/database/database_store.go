package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore persists users, channels and messages in MongoDB. Channel
// lists are cached per uaid and invalidated on every local change.
type MongoStore struct {
	client           *mongo.Client
	db               *mongo.Database
	operationTimeout time.Duration
	channelCache     *expirable.LRU[string, []ChannelRecord]
	now              func() time.Time
}

type channelDocument struct {
	ID            string `bson:"_id"`
	ChannelRecord `bson:",inline"`
}

type messageDocument struct {
	ID           string `bson:"_id"`
	Notification `bson:",inline"`
	ExpiresAt    time.Time `bson:"expires_at"`
}

func channelDocumentID(uaid string, channelID string) string {
	return uaid + ":" + channelID
}

func newMessageDocument(notification Notification) messageDocument {
	notification.Direct = false
	return messageDocument{
		ID:           notification.UAID + ":" + notification.Key(),
		Notification: notification,
		ExpiresAt:    time.Unix(notification.ExpiresAt(), 0).UTC(),
	}
}

// classifyError maps driver errors onto the Store error contract.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	var labeled mongo.LabeledError
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &labeled) && (labeled.HasErrorLabel("RetryableWriteError") || labeled.HasErrorLabel("TransientTransactionError"))) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ds *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ds.operationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, ds.operationTimeout)
}

func (ds *MongoStore) GetUser(ctx context.Context, uaid string) (*UserRecord, error) {
	if uaid == "" {
		return nil, ErrUAIDEmpty
	}
	ctx, cancel := ds.withTimeout(ctx)
	defer cancel()

	var user UserRecord
	startTime := time.Now()
	err := ds.db.Collection(UserCollectionName).FindOne(ctx, bson.D{{Key: "_id", Value: uaid}}).Decode(&user)
	logger.DebugF("user query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, classifyError(err)
	}
	return &user, nil
}

func (ds *MongoStore) SaveUser(ctx context.Context, user *UserRecord) error {
	if user.UAID == "" {
		return ErrUAIDEmpty
	}
	ctx, cancel := ds.withTimeout(ctx)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	result, err := ds.db.Collection(UserCollectionName).ReplaceOne(ctx, bson.D{{Key: "_id", Value: user.UAID}}, user, opts)
	if err != nil {
		return classifyError(err)
	}
	logger.DebugF("User saved: uaid=%s, matched=%d, upserted=%v", user.UAID, result.MatchedCount, result.UpsertedID != nil)
	return nil
}

func (ds *MongoStore) ClearNodeID(ctx context.Context, uaid string, nodeID string, connectedAt int64) error {
	ctx, cancel := ds.withTimeout(ctx)
	defer cancel()

	filter := bson.D{
		{Key: "_id", Value: uaid},
		{Key: "node_id", Value: nodeID},
		{Key: "connected_at", Value: connectedAt},
	}
	update := bson.D{{Key: "$unset", Value: bson.D{{Key: "node_id", Value: ""}}}}
	_, err := ds.db.Collection(UserCollectionName).UpdateOne(ctx, filter, update)
	return classifyError(err)
}

func (ds *MongoStore) DeleteUser(ctx context.Context, uaid string) error {
	ctx, cancel := ds.withTimeout(ctx)
	defer cancel()

	ds.channelCache.Remove(uaid)
	filter := bson.D{{Key: "uaid", Value: uaid}}
	if _, err := ds.db.Collection(MessageCollectionName).DeleteMany(ctx, filter); err != nil {
		return classifyError(err)
	}
	if _, err := ds.db.Collection(ChannelCollectionName).DeleteMany(ctx, filter); err != nil {
		return classifyError(err)
	}
	_, err := ds.db.Collection(UserCollectionName).DeleteOne(ctx, bson.D{{Key: "_id", Value: uaid}})
	return classifyError(err)
}

func (ds *MongoStore) AddChannel(ctx context.Context, channel ChannelRecord) error {
	if channel.UAID == "" {
		return ErrUAIDEmpty
	}
	ctx, cancel := ds.withTimeout(ctx)
	defer cancel()

	id := channelDocumentID(channel.UAID, channel.ChannelID)
	doc := channelDocument{ID: id, ChannelRecord: channel}
	opts := options.Replace().SetUpsert(true)
	_, err := ds.db.Collection(ChannelCollectionName).ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, doc, opts)
	ds.channelCache.Remove(channel.UAID)
	return classifyError(err)
}

func (ds *MongoStore) RemoveChannel(ctx context.Context, uaid string, channelID string) (bool, error) {
	ctx, cancel := ds.withTimeout(ctx)
	defer cancel()

	ds.channelCache.Remove(uaid)
	result, err := ds.db.Collection(ChannelCollectionName).DeleteOne(ctx, bson.D{{Key: "_id", Value: channelDocumentID(uaid, channelID)}})
	if err != nil {
		return false, classifyError(err)
	}
	_, err = ds.db.Collection(MessageCollectionName).DeleteMany(ctx, bson.D{
		{Key: "uaid", Value: uaid},
		{Key: "chid", Value: channelID},
	})
	if err != nil {
		return false, classifyError(err)
	}
	return result.DeletedCount > 0, nil
}

func (ds *MongoStore) ListChannels(ctx context.Context, uaid string) ([]ChannelRecord, error) {
	if cached, ok := ds.channelCache.Get(uaid); ok {
		return cached, nil
	}
	ctx, cancel := ds.withTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "chid", Value: 1}})
	cursor, err := ds.db.Collection(ChannelCollectionName).Find(ctx, bson.D{{Key: "uaid", Value: uaid}}, opts)
	if err != nil {
		return nil, classifyError(err)
	}
	var docs []channelDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classifyError(err)
	}
	channels := make([]ChannelRecord, 0, len(docs))
	for _, doc := range docs {
		channels = append(channels, doc.ChannelRecord)
	}
	ds.channelCache.Add(uaid, channels)
	return channels, nil
}

func (ds *MongoStore) StoreMessage(ctx context.Context, notification Notification) error {
	if notification.UAID == "" {
		return ErrUAIDEmpty
	}
	ctx, cancel := ds.withTimeout(ctx)
	defer cancel()

	doc := newMessageDocument(notification)
	opts := options.Replace().SetUpsert(true)
	_, err := ds.db.Collection(MessageCollectionName).ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.ID}}, doc, opts)
	return classifyError(err)
}

func (ds *MongoStore) FetchMessages(ctx context.Context, uaid string, channelIDs []string, since uint64, limit int) ([]Notification, error) {
	if len(channelIDs) == 0 {
		return []Notification{}, nil
	}
	ctx, cancel := ds.withTimeout(ctx)
	defer cancel()

	filter := bson.D{
		{Key: "uaid", Value: uaid},
		{Key: "chid", Value: bson.D{{Key: "$in", Value: channelIDs}}},
		{Key: "version", Value: bson.D{{Key: "$gt", Value: int64(since)}}},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: ds.now().UTC()}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "chid", Value: 1}, {Key: "version", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	startTime := time.Now()
	cursor, err := ds.db.Collection(MessageCollectionName).Find(ctx, filter, opts)
	if err != nil {
		return nil, classifyError(err)
	}
	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classifyError(err)
	}
	logger.DebugF("message query cost: %v, %d results", time.Since(startTime), len(docs))

	result := make([]Notification, 0, len(docs))
	for _, doc := range docs {
		result = append(result, doc.Notification)
	}
	return result, nil
}

func (ds *MongoStore) DeleteMessage(ctx context.Context, uaid string, channelID string, version uint64) error {
	ctx, cancel := ds.withTimeout(ctx)
	defer cancel()

	_, err := ds.db.Collection(MessageCollectionName).DeleteMany(ctx, bson.D{
		{Key: "uaid", Value: uaid},
		{Key: "chid", Value: channelID},
		{Key: "version", Value: int64(version)},
	})
	return classifyError(err)
}
